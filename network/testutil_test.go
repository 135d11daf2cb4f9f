package network

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// pipeChannel is an in-memory Channel whose peer is a handler function.
// Every frame passed to Send is recorded and handed to respond; the frames it
// returns are queued for Receive.
type pipeChannel struct {
	mu      sync.Mutex
	sent    [][]byte
	inbox   chan []byte
	respond func(frame []byte) [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newPipeChannel(respond func(frame []byte) [][]byte) *pipeChannel {
	return &pipeChannel{
		inbox:   make(chan []byte, 4096),
		respond: respond,
		closed:  make(chan struct{}),
	}
}

func (p *pipeChannel) Send(frame []byte) error {
	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), frame...))
	p.mu.Unlock()

	if p.respond == nil {
		return nil
	}
	for _, out := range p.respond(frame) {
		p.inbox <- out
	}
	return nil
}

func (p *pipeChannel) Receive(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-p.inbox:
		return frame, nil
	case <-p.closed:
		return nil, errChannelClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (p *pipeChannel) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeChannel) sentFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

type testError string

func (e testError) Error() string { return string(e) }

const errChannelClosed = testError("pipe channel closed")

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// fastPolicy keeps tests quick while leaving room for loopback scheduling.
func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, Timeout: 150 * time.Millisecond}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
