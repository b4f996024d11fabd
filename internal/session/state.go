package session

// State is the lifecycle phase of a Session. Transitions are mutually
// exclusive: no load during Generating, no generate during Loading or
// Failed.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateGenerating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateGenerating:
		return "generating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of the session lifecycle, published to
// watchers for UI binding.
type Snapshot struct {
	State    State
	Progress float64
	Degraded bool
	// MissingSlots lists the parameter slots that fell back to default
	// initialization when Degraded is set.
	MissingSlots []string
	// Err holds the failure reason when State is StateFailed.
	Err error
}

// snapshotLocked builds a Snapshot; callers hold s.mu.
func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:    s.state,
		Progress: s.progress,
		Err:      s.failure,
	}
	if s.report != nil {
		snap.Degraded = s.report.Degraded()
		snap.MissingSlots = append([]string(nil), s.report.Missing...)
	}
	return snap
}

// publishLocked delivers the current snapshot to every watcher without
// blocking. A watcher that has not drained its previous update has it
// replaced, so the channel always holds the most recent state.
func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	for _, w := range s.watchers {
		select {
		case w <- snap:
			continue
		default:
		}
		select {
		case <-w:
		default:
		}
		select {
		case w <- snap:
		default:
		}
	}
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	s.publishLocked()
}

func (s *Session) setProgressLocked(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	s.progress = p
	s.publishLocked()
}
