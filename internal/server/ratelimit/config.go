// Defines rate limit tiers and routing rules.

package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Tier is a named limiter.
type Tier struct {
	Name    string
	Limiter *Limiter
}

// Config holds one tier per class of request. A nil tier is unlimited.
type Config struct {
	Write  *Tier
	Import *Tier
	Read   *Tier
}

// NewConfig creates tiers from requests-per-minute values. 0 disables a tier.
func NewConfig(writePerMin, importPerMin, readPerMin int) *Config {
	return &Config{
		Write:  newTier("write", writePerMin, max(writePerMin/6, 1)),
		Import: newTier("import", importPerMin, max(importPerMin/3, 1)),
		Read:   newTier("read", readPerMin, max(readPerMin/6, 1)),
	}
}

func newTier(name string, perMin, burst int) *Tier {
	if perMin <= 0 {
		return nil
	}
	return &Tier{Name: name, Limiter: NewLimiter(perMin, time.Minute, burst)}
}

// Match returns the tier for a request, or nil when it is not limited.
func (c *Config) Match(method, path string) *Tier {
	if c == nil || path == "/api/health" || path == "/metrics" {
		return nil
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		if strings.HasPrefix(path, "/api/v1/import") {
			return c.Import
		}
		return c.Write
	case http.MethodGet, http.MethodHead:
		return c.Read
	}
	return nil
}

// Close stops all limiter cleanup goroutines.
func (c *Config) Close() {
	if c == nil {
		return
	}
	for _, t := range []*Tier{c.Write, c.Import, c.Read} {
		if t != nil {
			t.Limiter.Close()
		}
	}
}
