package radarreader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/edgefusion/internal/model"
)

// parsedFrame is the result of tokenizing one line before it's turned into a
// model.RadarSample; kept separate so tests can assert on the raw fields.
type parsedFrame struct {
	hasSpeed  bool
	speedMPH  float64
	magnitude *float64
	alert     model.AlertLevel
}

// parseFrame tokenizes a newline-terminated key=value frame. Unknown keys
// are ignored (forward-compatible); a key present with an unparsable value
// is a MalformedInput condition reported to the caller.
func parseFrame(line string) (parsedFrame, error) {
	var pf parsedFrame
	pf.alert = model.AlertNormal

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return pf, fmt.Errorf("empty frame")
	}
	for _, kv := range fields {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return pf, fmt.Errorf("malformed token %q", kv)
		}
		switch k {
		case "speed_mph":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return pf, fmt.Errorf("speed_mph: %w", err)
			}
			pf.speedMPH = f
			pf.hasSpeed = true
		case "magnitude":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return pf, fmt.Errorf("magnitude: %w", err)
			}
			pf.magnitude = &f
		case "alert":
			switch model.AlertLevel(v) {
			case model.AlertNormal, model.AlertLowAlert, model.AlertHighAlert:
				pf.alert = model.AlertLevel(v)
			default:
				return pf, fmt.Errorf("unknown alert level %q", v)
			}
		}
	}
	return pf, nil
}

// direction derives travel direction from signed speed and the configured
// epsilon, per spec.md 4.2: approaching if > +eps, receding if < -eps, else
// stationary.
func direction(speedMPH, epsilon float64) model.Direction {
	switch {
	case speedMPH > epsilon:
		return model.DirectionApproaching
	case speedMPH < -epsilon:
		return model.DirectionReceding
	default:
		return model.DirectionStationary
	}
}

func toSample(pf parsedFrame, observedAt time.Time, epsilon float64, correlationID string) model.RadarSample {
	dir := model.DirectionUnknown
	if pf.hasSpeed {
		dir = direction(pf.speedMPH, epsilon)
	}
	return model.RadarSample{
		ObservedAt:    observedAt,
		SpeedMPH:      pf.speedMPH,
		Magnitude:     pf.magnitude,
		Direction:     dir,
		AlertLevel:    pf.alert,
		CorrelationID: correlationID,
	}
}
