package util

import (
	"strings"

	"github.com/spf13/viper"
)

// SetKeyValue sets a viper config value from an environment variable.
// The variable name arrives with its prefix already attached, e.g.
// HQ_RATE_LIMITER_REQUESTS. The prefix is stripped and the rest is
// matched against known config sections so that nested keys resolve:
// HQ_RATE_LIMITER_REQUESTS becomes rate_limiter.requests when a
// rate_limiter section is set, and a flat key otherwise.
func SetKeyValue(vi *viper.Viper, key, value string) {
	i := strings.Index(key, "_")
	if i < 0 || i == len(key)-1 {
		return
	}
	k := strings.ToLower(key[i+1:])

	parts := strings.Split(k, "_")
	for n := len(parts) - 1; n > 0; n-- {
		section := strings.Join(parts[:n], "_")
		if vi.IsSet(section) || vi.InConfig(section) {
			vi.Set(section+"."+strings.Join(parts[n:], "_"), value)
			return
		}
	}
	vi.Set(k, value)
}
