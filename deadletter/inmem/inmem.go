// Package inmem provides an in-memory deadletter.Publisher for tests and
// local runs.
package inmem

import (
	"context"
	"sync"

	"goa.design/shardflow/deadletter"
)

// Publisher implements deadletter.Publisher by collecting envelopes in
// memory. Safe for concurrent use.
type Publisher struct {
	mu        sync.Mutex
	envelopes []*deadletter.Envelope
}

// New constructs an empty in-memory publisher.
func New() *Publisher { return &Publisher{} }

// Publish implements deadletter.Publisher.
func (p *Publisher) Publish(_ context.Context, env *deadletter.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return nil
}

// Envelopes returns the envelopes published so far.
func (p *Publisher) Envelopes() []*deadletter.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*deadletter.Envelope(nil), p.envelopes...)
}
