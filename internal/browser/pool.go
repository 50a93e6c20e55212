package browser

import (
	"context"
	"sync"
)

// SessionPool hands out browser sessions one lease at a time. A session is
// retired after maxUses leases or when a lease marks it broken, so a wedged
// or bloated browser never serves more than a bounded number of articles.
type SessionPool struct {
	client  *Client
	maxUses int

	mu        sync.Mutex
	sessionID string
	uses      int
}

func NewSessionPool(client *Client, maxUses int) *SessionPool {
	if maxUses < 1 {
		maxUses = 1
	}
	return &SessionPool{client: client, maxUses: maxUses}
}

// Lease is a scoped hold on a session. Release must run on every exit path;
// callers should defer it immediately after Acquire.
type Lease struct {
	pool      *SessionPool
	sessionID string
	broken    bool
	released  bool
}

// Acquire returns a lease on a live session, starting a fresh one when the
// current session is exhausted or absent.
func (p *SessionPool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionID != "" && p.uses >= p.maxUses {
		p.client.closeSession(p.sessionID)
		p.sessionID = ""
		p.uses = 0
	}

	if p.sessionID == "" {
		id, err := p.client.openSession(ctx)
		if err != nil {
			return nil, err
		}
		p.sessionID = id
		p.uses = 0
	}

	p.uses++
	return &Lease{pool: p, sessionID: p.sessionID}, nil
}

func (l *Lease) SessionID() string { return l.sessionID }

// MarkBroken retires the underlying session at release time.
func (l *Lease) MarkBroken() { l.broken = true }

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true

	if !l.broken {
		return
	}

	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if l.pool.sessionID == l.sessionID {
		l.pool.client.closeSession(l.sessionID)
		l.pool.sessionID = ""
		l.pool.uses = 0
	}
}

// Shutdown closes any live session.
func (p *SessionPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionID != "" {
		p.client.closeSession(p.sessionID)
		p.sessionID = ""
		p.uses = 0
	}
}

// Shutdown releases the client's pooled session.
func (c *Client) Shutdown() {
	if c != nil && c.pool != nil {
		c.pool.Shutdown()
	}
}
