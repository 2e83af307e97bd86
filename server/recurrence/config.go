package recurrence

// Config tunes a Planner.
type Config struct {
	CacheEnabled bool
	CacheConfig  CacheConfig

	// MaxOccurrences bounds one Between call; zero disables the bound.
	// A rule without COUNT or UNTIL over an open window relies on it.
	MaxOccurrences int
}

var DefaultConfig = Config{
	CacheEnabled:   true,
	CacheConfig:    DefaultCacheConfig,
	MaxOccurrences: 1000,
}

// DisabledCacheConfig expands on every call.
var DisabledCacheConfig = Config{MaxOccurrences: 1000}

func NewPlannerWithConfig(cfg Config) *Planner {
	p := &Planner{config: cfg}
	if cfg.CacheEnabled {
		p.cache = NewExpansionCache(cfg.CacheConfig)
	}
	return p
}
