package app

import (
	"context"
	"log"
	"time"
)

// Sweeper deletes expired crop sessions on a fixed interval. Expiry is
// enforced per request regardless; sweeping only keeps the table small.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	return &Sweeper{service: service, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) {
	purged, err := s.service.SweepExpiredSessions(ctx)
	if err != nil {
		log.Printf("sweeper: purge expired crop sessions: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("sweeper: purged %d expired crop sessions", purged)
	}
}
