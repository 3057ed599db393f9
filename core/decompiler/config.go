package decompiler

import "fmt"

// Config selects the decompilation passes.
type Config struct {
	// TrustMethods enables method detection. When off, or when the trusted
	// run fails and AllowFallback is set, jumps are destacked without
	// calls and returns.
	TrustMethods  bool
	AllowFallback bool

	Inline             bool
	PropagateConstants bool

	// MaxSteps bounds symbolic execution during control flow analysis,
	// zero means unbounded.
	MaxSteps int

	// ReturnPredicate classifies method returns, nil selects
	// JumpNotAfterPush. Programs built with a custom predicate are never
	// cached.
	ReturnPredicate ReturnPredicate `toml:"-"`

	// Cache keeps results keyed by code hash and configuration.
	Cache bool
}

// DefaultConfig contains the default settings.
var DefaultConfig = Config{
	TrustMethods:  true,
	AllowFallback: true,
	Cache:         true,
}

func (c *Config) returnPredicate() ReturnPredicate {
	if c.ReturnPredicate == nil {
		return JumpNotAfterPush
	}
	return c.ReturnPredicate
}

// fingerprint identifies the settings that change the result.
func (c *Config) fingerprint() string {
	return fmt.Sprintf("t%v/f%v/i%v/c%v/s%d", c.TrustMethods, c.AllowFallback, c.Inline, c.PropagateConstants, c.MaxSteps)
}
