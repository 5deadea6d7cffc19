package broadcast

import (
	"fmt"
	"io"
	"sync"
)

// SSESink formats deliveries as Server-Sent Events frames. Writes are
// serialized since broadcasts and heartbeats arrive from different
// goroutines
type SSESink struct {
	mu    sync.Mutex
	w     io.Writer
	flush func()
	done  chan struct{}
	once  sync.Once
}

// RetryHintMS is the reconnection delay sent to SSE clients on attach
const RetryHintMS = 10000

// NewSSESink wraps a streaming response writer. flush pushes buffered
// bytes to the client after each frame and may be nil
func NewSSESink(w io.Writer, flush func()) *SSESink {
	if flush == nil {
		flush = func() {}
	}
	return &SSESink{
		w:     w,
		flush: flush,
		done:  make(chan struct{}),
	}
}

func (s *SSESink) Hello() error {
	return s.write(fmt.Sprintf("retry: %d\n\n", RetryHintMS))
}

func (s *SSESink) Deliver(seq int64, payload []byte) error {
	return s.write(fmt.Sprintf("id: %d\ndata: %s\n\n", seq, payload))
}

func (s *SSESink) Notify(payload []byte) error {
	return s.write(fmt.Sprintf("data: %s\n\n", payload))
}

func (s *SSESink) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *SSESink) Done() <-chan struct{} {
	return s.done
}

func (s *SSESink) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.flush()
	return nil
}
