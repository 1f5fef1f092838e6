package devnet

import (
	"context"
	"sync"

	"github.com/ahwlsqja/pbft-engine/consensus/pbft"
)

// mailbox is an unbounded FIFO in front of an engine's update channel, so a validator
// delivering to a busy peer never blocks its own engine loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []pbft.Update
	notify chan struct{}
	out    chan pbft.Update
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan pbft.Update),
	}
}

func (m *mailbox) push(u pbft.Update) {
	m.mu.Lock()
	m.queue = append(m.queue, u)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// run pumps queued updates to out until ctx is done. out is never closed: a closed
// channel means a lost host to the engine.
func (m *mailbox) run(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-m.notify:
				continue
			}
		}
		u := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- u:
		case <-ctx.Done():
			return
		}
	}
}
