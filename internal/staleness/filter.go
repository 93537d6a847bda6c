package staleness

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrTooOld     = errors.New("event timestamp too old")
	ErrFromFuture = errors.New("event timestamp in the future")
)

// Config bounds how far a timestamp may drift before it is rejected.
type Config struct {
	MaxAge              time.Duration
	SkewTolerance       time.Duration
	CalibrationInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Second
	}
	if c.SkewTolerance <= 0 {
		c.SkewTolerance = time.Second
	}
	if c.CalibrationInterval <= 0 {
		c.CalibrationInterval = time.Minute
	}
	return c
}

// Filter judges event freshness against a locally calibrated clock.
// Host clock corrections that move wall time backward are folded into a
// maintained offset so relative staleness checks keep working.
type Filter struct {
	mu      sync.Mutex
	cfg     Config
	nowFunc func() time.Time

	offset        time.Duration
	lastRaw       time.Time
	lastCalibrate time.Time
}

func NewFilter(cfg Config) *Filter {
	return &Filter{
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the wall-clock source. Test hook.
func (f *Filter) SetNowFunc(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFunc = now
	f.lastRaw = time.Time{}
	f.lastCalibrate = time.Time{}
	f.offset = 0
}

// Now returns the calibrated current time.
func (f *Filter) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now()
}

func (f *Filter) now() time.Time {
	raw := f.nowFunc()
	if f.lastCalibrate.IsZero() {
		f.lastRaw = raw
		f.lastCalibrate = raw
		return raw.Add(f.offset)
	}

	// A backward jump beyond the skew tolerance means the host clock was
	// corrected under us; fold the jump into the offset. Checked on every
	// read, with the calibration anchor refreshed each interval.
	if raw.Before(f.lastRaw.Add(-f.cfg.SkewTolerance)) {
		f.offset += f.lastRaw.Sub(raw)
	}
	if raw.Sub(f.lastCalibrate) >= f.cfg.CalibrationInterval {
		f.lastCalibrate = raw
	}
	if raw.After(f.lastRaw) {
		f.lastRaw = raw
	}
	return raw.Add(f.offset)
}

// Check classifies a timestamp. It returns nil when the timestamp is at or
// inside both boundaries, ErrTooOld beyond MaxAge, ErrFromFuture beyond the
// skew tolerance ahead of the calibrated clock.
func (f *Filter) Check(ts time.Time) error {
	f.mu.Lock()
	now := f.now()
	f.mu.Unlock()

	if now.Sub(ts) > f.cfg.MaxAge {
		return ErrTooOld
	}
	if ts.Sub(now) > f.cfg.SkewTolerance {
		return ErrFromFuture
	}
	return nil
}

// IsStale reports whether a timestamp fails Check.
func (f *Filter) IsStale(ts time.Time) bool {
	return f.Check(ts) != nil
}

// CheckMS classifies a unix-millisecond transport timestamp.
func (f *Filter) CheckMS(tsMS int64) error {
	return f.Check(TimeFromMS(tsMS))
}

// StampMS returns the calibrated current time in unix milliseconds, for
// timestamping outgoing events.
func (f *Filter) StampMS() int64 {
	return f.Now().UnixMilli()
}

// FilterBatch drops entries whose timestamps fail Check, preserving order.
func FilterBatch[E any](f *Filter, events []E, at func(E) time.Time) []E {
	out := events[:0:0]
	for _, e := range events {
		if f.Check(at(e)) != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// TimeFromMS converts a unix-millisecond transport timestamp.
func TimeFromMS(tsMS int64) time.Time {
	return time.UnixMilli(tsMS)
}
