package server

import (
	"context"
	"sync"
	"time"

	"relicrace/server/internal/telemetry"
)

// Reaper periodically abandons participants whose telemetry went
// silent, so a crashed client cannot hold a race open forever. It runs
// as a supervised background task: Stop cancels the loop and waits for
// the in-flight sweep to finish.
type Reaper struct {
	hub      *Hub
	interval time.Duration
	logger   telemetry.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReaper(hub *Hub) *Reaper {
	cfg := hub.Config()
	return &Reaper{hub: hub, interval: cfg.ReaperInterval, logger: cfg.Logger}
}

// Start launches the sweep loop. Safe to call once.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop terminates the loop and blocks until it exits.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reaped, err := r.hub.ReapStale(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Printf("reaper sweep failed: %v", err)
		return
	}
	if reaped > 0 {
		r.logger.Printf("reaper abandoned %d stale participants", reaped)
	}
}
