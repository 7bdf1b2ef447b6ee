package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/benchd/benchd/cluster"
)

// probe periodically health-checks idle machines, rate limited across the
// cluster so a big pool does not turn the prober into a dial storm. A failed
// check marks the machine Dead; no job is touched, because only Idle
// machines are probed. Dispatch failures handle busy machines.
func (s *Scheduler) probe() {
	perSec := s.conf.HealthChecksPerSec
	if perSec <= 0 {
		perSec = DefaultConfig().HealthChecksPerSec
	}
	limiter := rate.NewLimiter(rate.Limit(perSec), 1)
	ticker := time.NewTicker(s.conf.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probeOnce(limiter)
		}
	}
}

func (s *Scheduler) probeOnce(limiter *rate.Limiter) {
	s.mu.Lock()
	idle := []string{}
	for _, m := range s.registry.Machines() {
		if m.State == cluster.Idle {
			idle = append(idle, m.Addr)
		}
	}
	s.mu.Unlock()

	for _, addr := range idle {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}
		err := s.remote.Check(context.Background(), addr)
		s.stat.Counter("healthChecksCounter").Inc(1)
		if err == nil {
			continue
		}
		log.Infof("Health check failed for %s: %v", addr, err)
		s.mu.Lock()
		// Recheck state under the lock; the machine may have been assigned
		// or removed while we probed.
		if m, ok := s.registry.Get(addr); ok && m.State == cluster.Idle {
			s.markDeadLocked(addr, "health check: "+err.Error())
		}
		s.mu.Unlock()
	}
}
