// Package snapshot implements the Order Book Snapshot Publisher (spec
// §4.7): a best-effort fan-out of depth snapshots to subscribers, called
// synchronously from the engine actor after every processed message and
// therefore required to never block it.
package snapshot

import (
	"sync"

	"order-matching-engine/internal/models"
)

// Publisher fans out depth snapshots per symbol. Publish never blocks: a
// subscriber whose channel is full simply misses a snapshot, since a
// fresher one follows shortly (spec §4.7, §5 "non-blocking drops if full").
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan models.DepthSnapshot
	bufferSize  int
}

// New constructs a Publisher; bufferSize is each subscriber channel's
// capacity.
func New(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Publisher{subscribers: make(map[string][]chan models.DepthSnapshot), bufferSize: bufferSize}
}

// Subscribe returns a channel receiving symbol's depth snapshots.
func (p *Publisher) Subscribe(symbol string) <-chan models.DepthSnapshot {
	ch := make(chan models.DepthSnapshot, p.bufferSize)
	p.mu.Lock()
	p.subscribers[symbol] = append(p.subscribers[symbol], ch)
	p.mu.Unlock()
	return ch
}

// Publish delivers snap to every subscriber of its symbol. Satisfies
// engine.SnapshotSink.
func (p *Publisher) Publish(snap models.DepthSnapshot) {
	p.mu.RLock()
	subs := p.subscribers[snap.Symbol]
	p.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
