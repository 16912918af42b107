// Package registry wires the concrete L7 parsers (postgresql, dubbo) into
// the protocol-detection candidate list l7.Detect walks. It is kept
// separate from package l7 itself so the protocol packages can import the
// shared contract without an import cycle.
package registry

import (
	"firestige.xyz/otus/internal/l7"
	"firestige.xyz/otus/internal/l7/dubbo"
	"firestige.xyz/otus/internal/l7/postgresql"
)

// Config bundles the per-protocol settings a caller wants wired into the
// default candidate list.
type Config struct {
	RRTCacheCapacity int
	PostgreSQL       postgresql.Config
}

// DefaultConfig matches the upstream defaults: context retained, a modest
// RRT cache per flow.
func DefaultConfig() Config {
	return Config{RRTCacheCapacity: 1024, PostgreSQL: postgresql.DefaultConfig()}
}

// Candidates returns the ordered list of protocol factories l7.Detect
// probes for a new flow, per spec.md §4.3's two worked parsers.
func Candidates(cfg Config) []l7.Factory {
	return []l7.Factory{
		func() l7.Parser { return postgresql.New(cfg.PostgreSQL, cfg.RRTCacheCapacity) },
		func() l7.Parser { return dubbo.New(cfg.RRTCacheCapacity) },
	}
}
