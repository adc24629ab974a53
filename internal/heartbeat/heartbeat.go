// Package heartbeat implements C7, the periodic liveness publisher.
// Ticker-goroutine shape is grounded on the teacher's
// internal/heartbeat.Service.Start, generalized from an HTTP POST to an
// orchestrator into an atomic local write, per original_source's
// _write_heartbeat (temp file + shutil.move, translated to os.Rename).
package heartbeat

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/codehornets/agentrt/internal/breaker"
	"github.com/codehornets/agentrt/internal/hoststats"
	"github.com/codehornets/agentrt/internal/protocol"
)

// StateProvider supplies the live counters a heartbeat snapshot needs.
// Implemented by the watcher's runtime state so heartbeat never reaches
// into watcher internals directly.
type StateProvider interface {
	QueueSize() int
	ActiveTasks() int
	Stats() protocol.HeartbeatStats
}

// Service periodically writes an atomic heartbeat file for one worker.
type Service struct {
	worker   string
	dir      string
	interval time.Duration
	state    StateProvider
	breaker  *breaker.Breaker
	host     *hoststats.Sampler
	log      zerolog.Logger
	start    time.Time
}

// New builds a heartbeat publisher writing into dir/<worker>.json. host
// may be nil, in which case heartbeats omit the host stats block.
func New(worker, dir string, interval time.Duration, state StateProvider, cb *breaker.Breaker, host *hoststats.Sampler, log zerolog.Logger) *Service {
	return &Service{
		worker:   worker,
		dir:      dir,
		interval: interval,
		state:    state,
		breaker:  cb,
		host:     host,
		log:      log,
		start:    time.Now(),
	}
}

// Start writes an initial heartbeat, then rewrites it every interval
// until ctx is cancelled. Runs its ticker loop on its own goroutine,
// exactly the shape of the teacher's Start(ctx).
func (s *Service) Start(ctx context.Context) {
	s.write()

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.write()
			}
		}
	}()
}

func (s *Service) write() {
	hb := protocol.HeartbeatFile{
		Worker:              s.worker,
		Timestamp:           protocol.Now(),
		UptimeSeconds:       time.Since(s.start).Seconds(),
		QueueSize:           s.state.QueueSize(),
		ActiveTasks:         s.state.ActiveTasks(),
		CircuitBreakerState: string(s.breaker.GetState()),
		Stats:               s.state.Stats(),
		Status:              "healthy",
	}

	if s.host != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if hs, err := s.host.Sample(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to sample host stats")
		} else {
			hb.Host = &protocol.HostStats{CPUPercent: hs.CPUPercent, RAMPercent: hs.RAMPercent, Busy: hs.Busy}
		}
	}

	path := filepath.Join(s.dir, s.worker+".json")
	if err := protocol.WriteJSONAtomic(path, hb); err != nil {
		s.log.Error().Err(err).Msg("failed to write heartbeat")
	}
}
