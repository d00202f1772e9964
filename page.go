package keel

import "sync/atomic"

// PageVersion is the status word in a page header. Structural changes
// (splits, pointer installs) bump it; transactions that depended on page
// layout verify it at commit.
type PageVersion struct {
	status uint64
}

// Load atomically reads the status word.
func (p *PageVersion) Load() uint64 { return atomic.LoadUint64(&p.status) }

// Bump advances the status word. The storage layer calls this under its own
// structural synchronization.
func (p *PageVersion) Bump() { atomic.AddUint64(&p.status, 1) }
