package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds clock synchronization settings
type Config struct {
	ResyncInterval time.Duration
	RequestTimeout time.Duration
	WindowSize     int
}

// DefaultConfig returns the default clock synchronization settings
func DefaultConfig() Config {
	return Config{
		ResyncInterval: 5 * time.Minute,
		RequestTimeout: 5 * time.Second,
		WindowSize:     3,
	}
}

// Sample is one round-trip measurement against the time authority
type Sample struct {
	Offset    time.Duration
	RoundTrip time.Duration
	SampledAt time.Time
}

// Estimator derives a smoothed offset between the local clock and the time
// authority. Offset is local minus authority, so authority time is
// local now minus Offset.
type Estimator struct {
	authority TimeAuthority
	clock     clockwork.Clock
	config    Config

	mu       sync.RWMutex
	samples  []Sample
	offset   time.Duration
	timezone string

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEstimator creates an estimator. A nil clock uses the real clock.
func NewEstimator(authority TimeAuthority, clock clockwork.Clock, config Config) *Estimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultConfig().WindowSize
	}
	return &Estimator{
		authority: authority,
		clock:     clock,
		config:    config,
	}
}

// Initialize takes a first sample and starts periodic resampling. A failed
// first sample is returned but resampling still starts.
func (e *Estimator) Initialize(ctx context.Context) error {
	err := e.Sample(ctx)

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.running || e.config.ResyncInterval <= 0 {
		return err
	}
	e.running = true
	e.stopCh = make(chan struct{})
	ticker := e.clock.NewTicker(e.config.ResyncInterval)

	e.wg.Add(1)
	go e.run(ticker, e.stopCh)

	log.Info().
		Dur("resync_interval", e.config.ResyncInterval).
		Bool("synchronized", e.IsSynchronized()).
		Msg("clock sync started")

	return err
}

// Stop ends periodic resampling. The last offset stays available.
func (e *Estimator) Stop() {
	e.loopMu.Lock()
	if !e.running {
		e.loopMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.loopMu.Unlock()

	e.wg.Wait()
}

func (e *Estimator) run(ticker clockwork.Ticker, stopCh chan struct{}) {
	defer e.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			_ = e.Sample(ctx)
			cancel()
		}
	}
}

// Sample measures the offset once. On failure the previous offset is kept.
func (e *Estimator) Sample(ctx context.Context) error {
	if e.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
		defer cancel()
	}

	t1 := e.clock.Now()
	at, err := e.authority.FetchTime(ctx)
	t2 := e.clock.Now()
	if err != nil {
		log.Warn().
			Err(err).
			Bool("synchronized", e.IsSynchronized()).
			Msg("clock sync round failed, keeping last offset")
		return err
	}

	s := e.record(t1, at.ServerTime, t2)
	e.mu.Lock()
	e.timezone = at.Timezone
	e.mu.Unlock()

	log.Debug().
		Dur("sample_offset", s.Offset).
		Dur("round_trip", s.RoundTrip).
		Dur("offset", e.Offset()).
		Msg("clock sync sample recorded")
	return nil
}

// record adds a sample for a request sent at t1 and answered with authority
// time authority at local time t2
func (e *Estimator) record(t1, authority, t2 time.Time) Sample {
	roundTrip := t2.Sub(t1)
	delay := roundTrip / 2
	s := Sample{
		Offset:    t1.Add(delay).Sub(authority),
		RoundTrip: roundTrip,
		SampledAt: t2,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, s)
	if len(e.samples) > e.config.WindowSize {
		e.samples = e.samples[len(e.samples)-e.config.WindowSize:]
	}
	var sum time.Duration
	for _, sample := range e.samples {
		sum += sample.Offset
	}
	e.offset = sum / time.Duration(len(e.samples))
	return s
}

// Offset returns the mean offset of the sample window
func (e *Estimator) Offset() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset
}

// IsSynchronized reports whether at least one sample was recorded. It never
// goes back to false.
func (e *Estimator) IsSynchronized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples) > 0
}

// ServerTime returns the local clock corrected by the current offset
func (e *Estimator) ServerTime() time.Time {
	return e.clock.Now().Add(-e.Offset())
}

// Now returns ServerTime when synchronized and local time otherwise. Use it
// for every timestamp that is compared across devices.
func (e *Estimator) Now() time.Time {
	if e.IsSynchronized() {
		return e.ServerTime()
	}
	return e.clock.Now()
}

// Timezone returns the timezone reported by the last successful sample
func (e *Estimator) Timezone() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.timezone
}

// Samples returns a copy of the current sample window, oldest first
func (e *Estimator) Samples() []Sample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Sample, len(e.samples))
	copy(out, e.samples)
	return out
}
