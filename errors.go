package lifecycle

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrEmptyKey          = errors.New("component key cannot be empty")
	ErrNilValue          = errors.New("component value cannot be nil")
	ErrNotFound          = errors.New("component not found")
	ErrTypeMismatch      = errors.New("component has unexpected type")
	ErrCycle             = errors.New("dependency cycle detected")
	ErrMissingDependency = errors.New("missing dependency")
	ErrDependencyFailed  = errors.New("dependency failed in this pass")
	ErrDependentFailed   = errors.New("dependent failed in this pass")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrMonitorRunning    = errors.New("expiry monitor already running")
	ErrContainerDisposed = errors.New("container disposed")
)

// ComponentError attributes a phase failure to one component.
type ComponentError struct {
	Key   Key
	Phase Phase
	Err   error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Phase, e.Key, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// Failures returns the per-component errors carried by an error returned
// from ApplyPhase. A nil error yields nil.
func Failures(err error) []*ComponentError {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		var cerr *ComponentError
		if errors.As(err, &cerr) {
			return []*ComponentError{cerr}
		}
		return nil
	}
	out := make([]*ComponentError, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		var cerr *ComponentError
		if errors.As(e, &cerr) {
			out = append(out, cerr)
		}
	}
	return out
}

// FailedKeys returns the keys of every component that failed, in the order
// the failures were recorded.
func FailedKeys(err error) []Key {
	failures := Failures(err)
	if len(failures) == 0 {
		return nil
	}
	keys := make([]Key, 0, len(failures))
	for _, f := range failures {
		keys = append(keys, f.Key)
	}
	return keys
}

func formatFailures(errs []error) string {
	if len(errs) == 1 {
		return "1 component failed: " + errs[0].Error()
	}
	lines := make([]string, 0, len(errs))
	for _, err := range errs {
		lines = append(lines, "\t* "+err.Error())
	}
	return fmt.Sprintf("%d components failed:\n%s", len(errs), strings.Join(lines, "\n"))
}
