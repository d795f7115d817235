package device

import (
	"bytes"
	"context"
)

// Loopback is an in-process host transport: every frame written is
// answered by the hub and the reply is buffered for the next read. It is
// meant for client.New.
type Loopback struct {
	ctx context.Context
	hub *Hub
	out bytes.Buffer
}

// NewLoopback returns a transport into h. Requests use ctx. The hub's Run
// loop must be active.
func NewLoopback(ctx context.Context, h *Hub) *Loopback {
	return &Loopback{ctx: ctx, hub: h}
}

// Write hands one request frame to the hub.
func (l *Loopback) Write(p []byte) (int, error) {
	reply, err := l.hub.Exchange(l.ctx, p)
	if err != nil {
		return 0, err
	}
	l.out.Write(reply)
	return len(p), nil
}

// Read returns buffered reply bytes.
func (l *Loopback) Read(p []byte) (int, error) { return l.out.Read(p) }
