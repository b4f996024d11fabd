// Package fault defines the error taxonomy shared across the runtime.
//
// Load-time failures carry enough context to be shown to a user verbatim;
// cooperative cancellation is never represented here (it surfaces as
// context.Canceled from the generation stream).
package fault

import "fmt"

// FormatError reports an undersized, unparseable or structurally invalid
// weight container or vocabulary source.
type FormatError struct {
	Source string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Source == "" {
		return "invalid format: " + e.Reason
	}
	return fmt.Sprintf("%s: invalid format: %s", e.Source, e.Reason)
}

// Formatf builds a FormatError for source with a formatted reason.
func Formatf(source, format string, args ...any) *FormatError {
	return &FormatError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

// AuthError reports a payload that is an authentication error page
// masquerading as model data. This happens when a provisioning step stores
// an HTTP error body instead of container bytes; surfacing it as a format
// error would send the user debugging the wrong layer.
type AuthError struct {
	Source string
	Marker string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: payload looks like an authentication error page (matched %q), not model data", e.Source, e.Marker)
}

// ConfigError reports a mismatch between the declared model configuration
// and the shape of a tensor actually bound from the weight store.
type ConfigError struct {
	Slot string
	Want []int
	Got  []int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("slot %s: tensor shape %v does not match configured shape %v", e.Slot, e.Got, e.Want)
}

// NotLoadedError reports an operation that requires a loaded model while the
// session is Unloaded and no model directory is available to auto-load.
type NotLoadedError struct {
	Op string
}

func (e *NotLoadedError) Error() string {
	return e.Op + ": model not loaded"
}

// BusyError reports a lifecycle transition that conflicts with an in-flight
// operation, e.g. a second Generate while one is active.
type BusyError struct {
	Op    string
	State string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: session busy (state %s)", e.Op, e.State)
}
