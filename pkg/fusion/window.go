package fusion

import (
	"sync"
	"time"
)

// Exchange is one completed request/response pair kept for prompt context.
type Exchange struct {
	RequestID uint64     `json:"request_id"`
	TickID    uint64     `json:"tick_id"`
	Summary   string     `json:"summary"`
	Actions   []string   `json:"actions"`
	Delivered []Delivery `json:"delivered,omitempty"`
	At        time.Time  `json:"at"`
}

// Delivery identifies an observation the backend received in an exchange.
type Delivery struct {
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// Window is a bounded FIFO ring of exchanges. It is safe for concurrent use.
type Window struct {
	mu    sync.Mutex
	buf   []Exchange
	start int
	size  int
}

// NewWindow creates a window holding at most capacity exchanges.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Exchange, capacity)}
}

// Push appends an exchange, evicting the oldest when full.
func (w *Window) Push(e Exchange) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = e
		w.size++
		return
	}
	w.buf[w.start] = e
	w.start = (w.start + 1) % len(w.buf)
}

// Items returns the exchanges oldest first.
func (w *Window) Items() []Exchange {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Exchange, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of stored exchanges.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }
