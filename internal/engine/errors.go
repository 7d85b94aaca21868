package engine

import "fmt"

// ErrAssertion is the "Assertion" error kind of spec §7: a violated
// internal invariant such as scratch region exhaustion or a KV cache
// write past n_ctx. These indicate programmer error, not user error, so
// they are never returned as a recoverable error — they panic, and
// callers are not expected to catch them.
type ErrAssertion struct {
	Reason string
}

func (e ErrAssertion) Error() string {
	return fmt.Sprintf("assertion failed: %s", e.Reason)
}

func assertf(format string, args ...any) {
	panic(ErrAssertion{Reason: fmt.Sprintf(format, args...)})
}
