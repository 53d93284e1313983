package gateway

import (
	"github.com/banshee-data/edgefusion/internal/broker"
	"github.com/banshee-data/edgefusion/internal/model"
)

// BrokerRadarAdapter adapts a broker.Broker's radar_data stream to the
// ReadLatestRadar capability the gateway needs, so the gateway itself never
// imports the broker's full pub/sub/stream surface — just the one read it
// actually performs.
type BrokerRadarAdapter struct {
	br broker.Broker
}

// NewBrokerRadarAdapter constructs a BrokerRadarAdapter over br.
func NewBrokerRadarAdapter(br broker.Broker) *BrokerRadarAdapter {
	return &BrokerRadarAdapter{br: br}
}

// LatestRadar implements ReadLatestRadar.
func (a *BrokerRadarAdapter) LatestRadar() (model.RadarSample, bool) {
	rec, ok := a.br.Latest(broker.StreamRadarData)
	if !ok {
		return model.RadarSample{}, false
	}
	var sample model.RadarSample
	if err := rec.Decode(&sample); err != nil {
		return model.RadarSample{}, false
	}
	return sample, true
}
