package hostcmd

import "sync"

// outbox is the bounded FIFO of encoded events waiting for READ_EVENT.
type outbox struct {
	mu    sync.Mutex
	items [][]byte
	limit int
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit}
}

// push appends an encoded event. It fails when the FIFO is full.
func (o *outbox) push(evt []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.limit {
		return false
	}
	o.items = append(o.items, evt)
	return true
}

// pop removes the oldest event and reports whether more are waiting.
func (o *outbox) pop() (evt []byte, more bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	evt = o.items[0]
	o.items[0] = nil
	o.items = o.items[1:]
	return evt, len(o.items) > 0
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
