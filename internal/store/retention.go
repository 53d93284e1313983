package store

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/edgefusion/internal/clock"
	"github.com/banshee-data/edgefusion/internal/config"
	"github.com/banshee-data/edgefusion/internal/monitoring"
)

// Retention periodically deletes traffic_events rows older than the
// configured retention window, in bounded batches so a large backlog never
// holds a single long-running DELETE against the writer's own connection.
type Retention struct {
	db  *DB
	cfg *config.FusionConfig
	clk clock.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetention constructs a Retention scanner. If clk is nil,
// clock.RealClock{} is used.
func NewRetention(db *DB, cfg *config.FusionConfig, clk clock.Clock) *Retention {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Retention{db: db, cfg: cfg, clk: clk}
}

// Start begins the periodic scan loop.
func (r *Retention) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

// Stop ends the scan loop.
func (r *Retention) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		monitoring.Logf("retention: drain deadline elapsed, forcing shutdown")
	}
}

func (r *Retention) run(ctx context.Context) {
	defer close(r.done)
	ticker := r.clk.NewTicker(r.cfg.GetRetentionScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n, err := r.sweep(); err != nil {
				monitoring.Logf("retention: sweep failed: %v", err)
			} else if n > 0 {
				monitoring.Logf("retention: deleted %d expired traffic_events rows", n)
			}
		}
	}
}

// sweep deletes rows older than the retention window, one bounded batch at
// a time, until a batch deletes fewer rows than its limit.
func (r *Retention) sweep() (int64, error) {
	cutoff := r.clk.Now().Add(-r.cfg.GetRetention()).UTC().Format(timeLayout)
	batch := r.cfg.GetDeleteBatch()

	var total int64
	for {
		res, err := r.db.Exec(`
			DELETE FROM traffic_events
			WHERE event_id IN (
				SELECT event_id FROM traffic_events
				WHERE consolidated_at < ?
				LIMIT ?
			)`, cutoff, batch)
		if err != nil {
			return total, fmt.Errorf("retention: delete batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("retention: rows affected: %w", err)
		}
		total += n
		if n < int64(batch) {
			return total, nil
		}
	}
}
