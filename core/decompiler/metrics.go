package decompiler

import "github.com/ethereum/go-ethereum/metrics"

var (
	trustedCounter   = metrics.NewRegisteredCounter("decompiler/trusted", nil)
	fallbackCounter  = metrics.NewRegisteredCounter("decompiler/fallback", nil)
	failedCounter    = metrics.NewRegisteredCounter("decompiler/failed", nil)
	cacheHitCounter  = metrics.NewRegisteredCounter("decompiler/cache/hit", nil)
	cacheMissCounter = metrics.NewRegisteredCounter("decompiler/cache/miss", nil)
	reassignCounter  = metrics.NewRegisteredCounter("decompiler/reassign", nil)
)

// Stats is a snapshot of the package counters.
type Stats struct {
	Trusted, Fallback, Failed int64
	CacheHits, CacheMisses    int64
	Reassignments             int64
}

// ReadStats returns the current counter values. All values stay zero unless
// metrics collection is enabled.
func ReadStats() Stats {
	return Stats{
		Trusted:       trustedCounter.Snapshot().Count(),
		Fallback:      fallbackCounter.Snapshot().Count(),
		Failed:        failedCounter.Snapshot().Count(),
		CacheHits:     cacheHitCounter.Snapshot().Count(),
		CacheMisses:   cacheMissCounter.Snapshot().Count(),
		Reassignments: reassignCounter.Snapshot().Count(),
	}
}
