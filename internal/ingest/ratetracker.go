package ingest

import "golang.org/x/time/rate"

// RateLimiterSettings configures the per-shard ingestion rate limiter.
type RateLimiterSettings struct {
	// BytesPerSecond is the sustained throughput allowed per shard.
	BytesPerSecond rate.Limit
	// Burst is the instantaneous allowance in bytes.
	Burst int
}

// DefaultRateLimiterSettings allows 10 MiB/s sustained with an 8 MiB burst.
var DefaultRateLimiterSettings = RateLimiterSettings{
	BytesPerSecond: 10 << 20,
	Burst:          8 << 20,
}

// RateMeter measures the bytes ingested into a shard since the last
// harvest. Callers must hold the inner lock.
type RateMeter struct {
	total     int64
	harvested int64
}

// Update records n more ingested bytes.
func (m *RateMeter) Update(n int64) {
	m.total += n
}

// Harvest returns the bytes ingested since the previous harvest.
func (m *RateMeter) Harvest() int64 {
	delta := m.total - m.harvested
	m.harvested = m.total
	return delta
}

// RateTracker pairs the rate limiter and rate meter of one shard. A
// tracker is created with its shard and destroyed with it, so the
// tracker map and the shard map always hold the same keys.
type RateTracker struct {
	Limiter *rate.Limiter
	Meter   *RateMeter
}

// NewRateTracker builds a tracker from settings, applying defaults for
// zero values.
func NewRateTracker(settings RateLimiterSettings) *RateTracker {
	if settings.BytesPerSecond <= 0 {
		settings.BytesPerSecond = DefaultRateLimiterSettings.BytesPerSecond
	}
	if settings.Burst <= 0 {
		settings.Burst = DefaultRateLimiterSettings.Burst
	}
	return &RateTracker{
		Limiter: rate.NewLimiter(settings.BytesPerSecond, settings.Burst),
		Meter:   &RateMeter{},
	}
}
