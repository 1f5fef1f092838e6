package pbft

import (
	"github.com/ahwlsqja/pbft-engine/types"
)

// backlogEntry is a message deferred until its context is available locally.
type backlogEntry struct {
	msg    Message
	sender types.PeerID
}

// Backlog is a bounded FIFO of deferred peer messages. When full, the oldest entry is
// evicted to make room.
type Backlog struct {
	entries []backlogEntry // 도착 순서
	limit   int
}

// NewBacklog creates a backlog holding at most limit messages. limit <= 0 means unbounded.
func NewBacklog(limit int) *Backlog {
	return &Backlog{limit: limit}
}

// Push appends a message. It returns the evicted message when the bound was hit.
func (b *Backlog) Push(msg Message, sender types.PeerID) (evicted Message) {
	// 가득 차면 가장 오래된 메시지를 버림
	if b.limit > 0 && len(b.entries) >= b.limit {
		evicted = b.entries[0].msg
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, backlogEntry{msg: msg, sender: sender})
	return evicted
}

// drain removes and returns every entry in arrival order.
func (b *Backlog) drain() []backlogEntry {
	out := b.entries
	b.entries = nil
	return out
}

// Len returns the number of queued messages.
func (b *Backlog) Len() int {
	return len(b.entries)
}
