// Package session owns the model lifecycle: loading weight containers,
// running generations, and publishing state to observers. A Session is the
// single serialization point for the runtime; all lifecycle transitions go
// through its mutex.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/emberml/ember/internal/fault"
	"github.com/emberml/ember/internal/logger"
	"github.com/emberml/ember/internal/logits"
	"github.com/emberml/ember/internal/model"
	"github.com/emberml/ember/internal/safetensors"
	"github.com/emberml/ember/internal/tokenizer"
)

const (
	// DefaultMaxTokens bounds a generation when the caller does not.
	DefaultMaxTokens = 2048

	tokenizerFileName = "tokenizer.json"
	configFileName    = "config.json"
)

// Options configures a Session.
type Options struct {
	Logger logger.Logger
}

// GenerationConfig controls one Generate call. MaxTokens and Temperature
// are taken literally: MaxTokens 0 yields no fragments (negative means
// DefaultMaxTokens) and Temperature 0 selects greedy decoding. Zero TopK,
// TopP and Seed select the runtime defaults.
type GenerationConfig struct {
	MaxTokens   int
	Temperature float32
	TopK        int
	TopP        float32
	Seed        int64
}

func (c *GenerationConfig) applyDefaults() {
	if c.MaxTokens < 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.TopK == 0 {
		c.TopK = logits.DefaultTopK
	}
	if c.TopP == 0 {
		c.TopP = logits.DefaultTopP
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// Session manages a single loaded model and at most one generation at a
// time. All methods are safe for concurrent use.
type Session struct {
	dir string
	log logger.Logger

	loadGroup singleflight.Group

	mu       sync.Mutex
	state    State
	progress float64
	failure  error
	report   *model.BindReport
	watchers []chan Snapshot

	tok   *tokenizer.Tokenizer
	cfg   *model.Config
	store *safetensors.Store
	graph *model.Graph

	genCancel *cancelFlag
	genDone   chan struct{}

	// testHookLoad, when set, runs at the start of every uncoalesced load.
	testHookLoad func()
}

// New creates a Session for the model directory. Nothing is loaded until
// Load or the first Generate.
func New(dir string, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		dir:   dir,
		log:   log.With("component", "session"),
		state: StateUnloaded,
	}
}

// Snapshot returns the current lifecycle view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Watch registers a lifecycle observer. Updates are delivered best-effort;
// a slow watcher sees the latest state on its next receive, not every
// intermediate one. The returned stop function unregisters the channel.
func (s *Session) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
	return ch, stop
}

// Load brings the session to Loaded. Concurrent calls coalesce onto a
// single load; every caller observes the same outcome. Calling Load on an
// already-loaded session is a no-op, and a Failed session may retry.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateLoaded, StateGenerating:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err, _ := s.loadGroup.Do("load", func() (any, error) {
		return nil, s.doLoad(ctx)
	})
	return err
}

func (s *Session) doLoad(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateLoaded || s.state == StateGenerating {
		s.mu.Unlock()
		return nil
	}
	if s.dir == "" {
		s.mu.Unlock()
		return &fault.NotLoadedError{Op: "load"}
	}
	s.failure = nil
	s.report = nil
	s.setProgressLocked(0)
	s.setStateLocked(StateLoading)
	s.mu.Unlock()

	if s.testHookLoad != nil {
		s.testHookLoad()
	}

	fail := func(err error) error {
		s.mu.Lock()
		s.failure = err
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.log.Error("load failed", "dir", s.dir, "error", err)
		return err
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	tok, err := tokenizer.Load(filepath.Join(s.dir, tokenizerFileName))
	if err != nil {
		return fail(err)
	}
	s.setProgress(0.1)

	cfg, err := model.LoadConfig(filepath.Join(s.dir, configFileName))
	if err != nil {
		return fail(err)
	}
	s.setProgress(0.2)

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// Container reading dominates load time; map its progress onto the
	// 0.2..0.8 band.
	store, err := safetensors.LoadDir(s.dir, func(done, total int) {
		if total > 0 {
			s.setProgress(0.2 + 0.6*float64(done)/float64(total))
		}
	})
	if err != nil {
		return fail(err)
	}

	graph, report, err := model.Bind(cfg, store)
	if err != nil {
		store.Release()
		return fail(err)
	}
	s.setProgress(0.95)

	s.mu.Lock()
	s.tok = tok
	s.cfg = cfg
	s.store = store
	s.graph = graph
	s.report = report
	s.setProgressLocked(1)
	s.setStateLocked(StateLoaded)
	s.mu.Unlock()

	if report.Degraded() {
		s.log.Warn("model loaded degraded",
			"dir", s.dir,
			"missing", len(report.Missing),
			"tied_output", report.TiedOutput)
	} else {
		s.log.Info("model loaded",
			"dir", s.dir,
			"tensors", store.Len(),
			"layers", cfg.LayerCount)
	}
	return nil
}

func (s *Session) setProgress(p float64) {
	s.mu.Lock()
	s.setProgressLocked(p)
	s.mu.Unlock()
}

// Generate starts a generation for prompt and returns its Stream. If the
// session is Unloaded it loads first; if a generation is already running it
// returns a BusyError without disturbing it. Fragments are delivered over
// an unbuffered channel, so a stalled consumer stalls the model rather than
// accumulating output.
func (s *Session) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (*Stream, error) {
	cfg.applyDefaults()

	s.mu.Lock()
	switch s.state {
	case StateGenerating:
		st := s.state.String()
		s.mu.Unlock()
		return nil, &fault.BusyError{Op: "generate", State: st}
	case StateLoading:
		st := s.state.String()
		s.mu.Unlock()
		return nil, &fault.BusyError{Op: "generate", State: st}
	case StateFailed:
		err := s.failure
		s.mu.Unlock()
		return nil, fmt.Errorf("generate: session failed: %w", err)
	case StateUnloaded:
		s.mu.Unlock()
		if s.dir == "" {
			return nil, &fault.NotLoadedError{Op: "generate"}
		}
		if err := s.Load(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
	}

	if s.state != StateLoaded {
		st := s.state.String()
		s.mu.Unlock()
		return nil, &fault.BusyError{Op: "generate", State: st}
	}

	stream := newStream()
	cancel := newCancelFlag()
	done := make(chan struct{})
	s.genCancel = cancel
	s.genDone = done
	tok, graph := s.tok, s.graph
	s.setStateLocked(StateGenerating)
	s.mu.Unlock()

	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        cfg.Seed,
		Temperature: cfg.Temperature,
		TopK:        cfg.TopK,
		TopP:        cfg.TopP,
	})

	go s.runGeneration(ctx, stream, cancel, done, tok, graph, sampler, prompt, cfg)
	return stream, nil
}

func (s *Session) runGeneration(ctx context.Context, stream *Stream, cancel *cancelFlag, done chan struct{}, tok *tokenizer.Tokenizer, graph *model.Graph, sampler *logits.Sampler, prompt string, cfg GenerationConfig) {
	start := time.Now()
	ids := tok.Encode(prompt)
	promptLen := len(ids)

	var genErr error
	generated := 0

	s.log.Debug("generation started",
		"stream", stream.ID,
		"prompt_tokens", promptLen,
		"max_tokens", cfg.MaxTokens)

loop:
	for generated < cfg.MaxTokens {
		if cancel.Cancelled() {
			break
		}
		if err := ctx.Err(); err != nil {
			genErr = err
			break
		}

		logitsVec, err := graph.Forward(ids)
		if err != nil {
			genErr = err
			break
		}
		next := sampler.Sample(logitsVec)
		if tok.IsEndToken(next) {
			break
		}
		ids = append(ids, next)

		frag := Fragment{
			Text:    tok.DecodeFragment(next),
			TokenID: next,
			Index:   generated,
		}
		generated++

		select {
		case stream.ch <- frag:
		case <-cancel.Done():
			break loop
		case <-ctx.Done():
			genErr = ctx.Err()
			break loop
		}
	}

	stats := Stats{
		PromptTokens:    promptLen,
		TokensGenerated: generated,
		Duration:        time.Since(start),
	}

	s.mu.Lock()
	if s.genDone == done {
		s.genCancel = nil
		s.genDone = nil
	}
	if s.state == StateGenerating {
		s.setStateLocked(StateLoaded)
	}
	s.mu.Unlock()

	stream.finish(genErr, stats)
	close(done)

	s.log.Debug("generation finished",
		"stream", stream.ID,
		"tokens", generated,
		"duration", stats.Duration,
		"error", genErr)
}

// CancelGeneration requests a cooperative stop of the running generation.
// The loop observes the request at the next token boundary; the stream ends
// without error. Calling it with no generation in flight is a no-op.
func (s *Session) CancelGeneration() {
	s.mu.Lock()
	cancel := s.genCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel.Cancel()
	}
}

// Unload cancels any running generation, waits for it to exit, and releases
// model memory. The session returns to Unloaded and may be loaded again.
func (s *Session) Unload() {
	s.mu.Lock()
	// A new Generate may start between releasing the lock to wait and
	// reacquiring it, so keep cancelling until no generation is in flight.
	for s.state == StateGenerating {
		cancel, done := s.genCancel, s.genDone
		s.mu.Unlock()
		if cancel != nil {
			cancel.Cancel()
		}
		if done != nil {
			<-done
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.graph != nil {
		s.graph.Release()
		s.graph = nil
	}
	if s.store != nil {
		s.store.Release()
		s.store = nil
	}
	s.tok = nil
	s.cfg = nil
	s.report = nil
	s.failure = nil
	s.setProgressLocked(0)
	s.setStateLocked(StateUnloaded)
}

// Config returns the loaded model configuration, or nil before Load.
func (s *Session) Config() *model.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Report returns the weight-binding report, or nil before Load.
func (s *Session) Report() *model.BindReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}
