package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fragment is one streamed piece of generated text.
type Fragment struct {
	Text    string
	TokenID int
	// Index is the fragment's position in generation order, starting at 0.
	Index int
}

// Stats summarizes a finished generation.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
}

// TPS returns tokens generated per second.
func (s Stats) TPS() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.TokensGenerated) / s.Duration.Seconds()
}

// Stream is the lazy, single-consumer result of one Generate call.
// Fragments arrive strictly in generation order; the channel closes when
// generation stops for any reason, after which Err and Stats are valid.
type Stream struct {
	ID string

	ch   chan Fragment
	done chan struct{}

	mu    sync.Mutex
	err   error
	stats Stats
}

func newStream() *Stream {
	return &Stream{
		ID:   uuid.NewString(),
		ch:   make(chan Fragment),
		done: make(chan struct{}),
	}
}

// Fragments returns the fragment channel. It is closed when the generation
// loop exits.
func (st *Stream) Fragments() <-chan Fragment { return st.ch }

// Done is closed once the generation loop has fully exited.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Err reports why the stream ended. It is nil for natural completion and
// for cooperative cancellation via CancelGeneration; context cancellation
// surfaces the context's error.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Stats returns the final generation statistics. Valid after Done.
func (st *Stream) Stats() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats
}

func (st *Stream) finish(err error, stats Stats) {
	st.mu.Lock()
	st.err = err
	st.stats = stats
	st.mu.Unlock()
	close(st.ch)
	close(st.done)
}

// cancelFlag is the cooperative cancellation token threaded through a
// generation loop and observed once per token boundary.
type cancelFlag struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelFlag() *cancelFlag {
	return &cancelFlag{ch: make(chan struct{})}
}

func (c *cancelFlag) Cancel() {
	c.once.Do(func() { close(c.ch) })
}

func (c *cancelFlag) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

func (c *cancelFlag) Done() <-chan struct{} { return c.ch }
