package decompiler

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
)

// resultCacheCap bounds the number of cached programs.
const resultCacheCap = 256

type cacheKey struct {
	code   common.Hash
	config string
}

// resultCache keeps decompiled programs. Cached programs are shared
// between callers and must be treated as read-only.
type resultCache struct {
	programs *lru.Cache[cacheKey, *Program]
}

var programCache = &resultCache{
	programs: lru.NewCache[cacheKey, *Program](resultCacheCap),
}

func (c *resultCache) get(key cacheKey) (*Program, bool) {
	prog, ok := c.programs.Get(key)
	if ok {
		cacheHitCounter.Inc(1)
	} else {
		cacheMissCounter.Inc(1)
	}
	return prog, ok
}

func (c *resultCache) add(key cacheKey, prog *Program) {
	c.programs.Add(key, prog)
}

// PurgeCache drops every cached program.
func PurgeCache() {
	programCache.programs.Purge()
}

// CacheLen returns the number of cached programs.
func CacheLen() int {
	return programCache.programs.Len()
}
