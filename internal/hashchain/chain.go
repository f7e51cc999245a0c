package hashchain

import (
	"sync"
	"time"
)

// Chain is an in-memory, thread-safe hash chain. Links are indexed by hash
// and kept in insertion order; writers are serialised and readers see
// consistent snapshots.
type Chain struct {
	mu      sync.RWMutex
	genesis string
	links   map[string]*Link
	order   []string
	tip     string
}

// NewChain creates a chain anchored at the deterministic genesis hash for
// the given identifier and creation time.
func NewChain(identifier string, createdAt time.Time) *Chain {
	g := Genesis(identifier, createdAt)
	return &Chain{
		genesis: g,
		links:   make(map[string]*Link),
		tip:     g,
	}
}

// Append adds a link to the chain. The link must verify and must chain from
// the current tip; the map, the order index, and the tip advance together.
func (c *Chain) Append(l *Link) error {
	if l == nil {
		return ErrNilLink
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if l.PreviousHash != c.tip {
		return ErrNotAtTip
	}
	if _, ok := c.links[l.Hash]; ok {
		return ErrDuplicateLink
	}
	if !VerifyLink(l) {
		return ErrHashMismatch
	}

	c.links[l.Hash] = l
	c.order = append(c.order, l.Hash)
	c.tip = l.Hash
	return nil
}

// Get returns the link with the given hash.
func (c *Chain) Get(hash string) (*Link, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.links[hash]
	return l, ok
}

// Tip returns the hash of the most recent link, or the genesis hash for an
// empty chain.
func (c *Chain) Tip() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// GenesisHash returns the chain's anchor hash.
func (c *Chain) GenesisHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesis
}

// Len returns the number of links, the genesis anchor excluded.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Links returns a snapshot of all links in insertion order.
func (c *Chain) Links() []*Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Link, 0, len(c.order))
	for _, h := range c.order {
		out = append(out, c.links[h])
	}
	return out
}

// Verify walks the chain backward from tip to genesis and reports the first
// inconsistency found.
func (c *Chain) Verify(tip, genesis string) Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Walk(tip, genesis,
		func(h string) (string, bool) {
			l, ok := c.links[h]
			if !ok {
				return "", false
			}
			return l.PreviousHash, true
		},
		func(h string) (bool, string) {
			if !VerifyLink(c.links[h]) {
				return false, ReasonHashMismatch
			}
			return true, ""
		},
	)
}

// VerifyAll verifies the whole chain from its current tip down to genesis.
func (c *Chain) VerifyAll() Report {
	return c.Verify(c.Tip(), c.GenesisHash())
}
