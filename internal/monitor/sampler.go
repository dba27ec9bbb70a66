package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcrosbie/activityhub/internal/domain"
)

// DefaultSampleBackoff is how long the sampler waits after a probe error.
const DefaultSampleBackoff = time.Second

// Probe reads one host resource sample.
type Probe interface {
	Sample(ctx context.Context) (domain.SystemMetricSample, error)
}

type ProbeFunc func(ctx context.Context) (domain.SystemMetricSample, error)

func (f ProbeFunc) Sample(ctx context.Context) (domain.SystemMetricSample, error) {
	return f(ctx)
}

// Sampler pushes probe readings into a Store on a fixed interval.
type Sampler struct {
	store    *Store
	probe    Probe
	interval time.Duration
	backoff  time.Duration
	logger   *slog.Logger
}

func NewSampler(store *Store, probe Probe) *Sampler {
	return &Sampler{
		store:    store,
		probe:    probe,
		interval: store.opts.SampleInterval,
		backoff:  DefaultSampleBackoff,
		logger:   store.logger,
	}
}

// WithBackoff overrides the wait after a failed probe. Non-positive values
// are ignored.
func (s *Sampler) WithBackoff(backoff time.Duration) *Sampler {
	if backoff > 0 {
		s.backoff = backoff
	}
	return s
}

// Run samples until ctx is cancelled. Probe errors are logged and retried
// after the backoff; they never end the loop. A sample that completes after
// cancellation is discarded.
func (s *Sampler) Run(ctx context.Context) {
	for {
		wait := s.interval
		sample, err := s.probe.Sample(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if s.store.opts.VerboseLogging {
				s.logger.Warn("resource probe failed", "error", err, "retry_in", s.backoff)
			}
			wait = s.backoff
		} else {
			s.store.IngestSample(sample)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type runningSampler struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartSampling runs a Sampler in the background. It returns false when
// resource sampling is turned off or a sampler is already running.
func (s *Store) StartSampling(probe Probe) bool {
	if !s.opts.ResourceSampling || probe == nil {
		return false
	}

	s.samplerMu.Lock()
	defer s.samplerMu.Unlock()
	if s.sampler != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	running := &runningSampler{cancel: cancel, done: make(chan struct{})}
	s.sampler = running
	sampler := NewSampler(s, probe)
	go func() {
		defer close(running.done)
		sampler.Run(ctx)
	}()
	s.logger.Info("resource sampling started", "interval", s.opts.SampleInterval)
	return true
}

// StopSampling cancels the background sampler and waits for it to exit.
func (s *Store) StopSampling() {
	s.samplerMu.Lock()
	running := s.sampler
	s.sampler = nil
	s.samplerMu.Unlock()

	if running == nil {
		return
	}
	running.cancel()
	<-running.done
	s.logger.Info("resource sampling stopped")
}
