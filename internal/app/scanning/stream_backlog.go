package scanning

import (
	"sync"

	domain "github.com/corvidsec/raven/internal/domain/scanning"
)

// streamBacklog retains the most recent stream events for one job so a
// reconnecting subscriber can be caught up from its last seen sequence
// number instead of forcing a full resync. It is a fixed-capacity ring:
// single writer (the aggregator), multiple readers (gateway subscribers).
type streamBacklog struct {
	mu    sync.RWMutex
	buf   []domain.JobStreamEvent
	start int // index of the oldest retained event
	count int
}

func newStreamBacklog(capacity int) *streamBacklog {
	if capacity <= 0 {
		capacity = 1
	}
	return &streamBacklog{buf: make([]domain.JobStreamEvent, capacity)}
}

// Append retains an event, evicting the oldest once the ring is full.
// Events must be appended in sequence order.
func (b *streamBacklog) Append(evt domain.JobStreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < len(b.buf) {
		b.buf[(b.start+b.count)%len(b.buf)] = evt
		b.count++
		return
	}
	b.buf[b.start] = evt
	b.start = (b.start + 1) % len(b.buf)
}

// ReplayAfter returns, in order, every retained event with a sequence number
// greater than afterSeq. The second return is false when afterSeq has fallen
// out of the retention window, meaning events were evicted that the caller
// never saw and a full resync is required.
func (b *streamBacklog) ReplayAfter(afterSeq uint64) ([]domain.JobStreamEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		// Nothing retained yet; a client that claims to have seen events has
		// outlived the window.
		return nil, afterSeq == 0
	}

	oldest := b.buf[b.start].Seq
	newest := b.buf[(b.start+b.count-1)%len(b.buf)].Seq

	if afterSeq+1 < oldest {
		return nil, false
	}
	if afterSeq >= newest {
		return nil, true
	}

	missed := make([]domain.JobStreamEvent, 0, newest-afterSeq)
	for i := 0; i < b.count; i++ {
		evt := b.buf[(b.start+i)%len(b.buf)]
		if evt.Seq > afterSeq {
			missed = append(missed, evt)
		}
	}
	return missed, true
}

// Latest returns the most recently appended event.
func (b *streamBacklog) Latest() (domain.JobStreamEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return domain.JobStreamEvent{}, false
	}
	return b.buf[(b.start+b.count-1)%len(b.buf)], true
}
