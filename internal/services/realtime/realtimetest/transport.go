// Package realtimetest provides an in-memory Transport for tests
package realtimetest

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

var ErrWriteFailed = errors.New("realtimetest: write failed")

// Transport records every written frame and replays pushed inbound frames
type Transport struct {
	inbound chan []byte
	done    chan struct{}

	mu          sync.Mutex
	sent        [][]byte
	failWrites  bool
	closed      bool
	closeCode   int
	closeReason string
}

func NewTransport() *Transport {
	return &Transport{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// Push queues a raw inbound frame
func (t *Transport) Push(data []byte) {
	t.inbound <- data
}

// PushJSON queues v encoded as JSON
func (t *Transport) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.Push(data)
}

// FailWrites makes every subsequent write fail
func (t *Transport) FailWrites(fail bool) {
	t.mu.Lock()
	t.failWrites = fail
	t.mu.Unlock()
}

func (t *Transport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *Transport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	if t.failWrites {
		return ErrWriteFailed
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	close(t.done)
	return nil
}

func (t *Transport) RemoteAddr() string {
	return "in-memory"
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCode returns the code passed to the first Close, 0 if still open
func (t *Transport) CloseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// Messages decodes every written frame
func (t *Transport) Messages() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]map[string]any, 0, len(t.sent))
	for _, data := range t.sent {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// MessagesOfType returns the written frames whose type field equals msgType
func (t *Transport) MessagesOfType(msgType string) []map[string]any {
	var out []map[string]any
	for _, m := range t.Messages() {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets the recorded frames
func (t *Transport) Reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}
