package squeezeerr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("squeeze: invalid criteria")
	ErrPermission = errors.New("squeeze: permission denied")
	ErrCompaction = errors.New("squeeze: compaction failed")
	ErrRename     = errors.New("squeeze: rename failed")
	ErrLocked     = errors.New("squeeze: source path is locked")
)

// Kind classifies an error returned by a compaction.
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindCompaction Kind = "compaction"
	KindRename     Kind = "rename"
	KindLocked     Kind = "locked"
)

// ValidationError reports malformed or missing criteria. No I/O has happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PermissionError reports missing write access to Path. Nothing was mutated.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("%s: user does not have permissions to perform move/delete for location %s", ErrPermission, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }
func (e *PermissionError) Unwrap() error        { return e.Err }

// CompactionError wraps a delegate failure. The source path is untouched.
type CompactionError struct {
	Source string
	Target string
	Err    error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %v", ErrCompaction, e.Source, e.Target, e.Err)
}

func (e *CompactionError) Is(target error) bool { return target == ErrCompaction }
func (e *CompactionError) Unwrap() error        { return e.Err }

// Rename stages.
const (
	StageSwapOut = "swapping-out"
	StageSwapIn  = "swapping-in"
)

// RenameError reports a failed rename during the swap.
//
// When Stage is StageSwapIn the original data sits at Backup rather than at
// the live path, and the compacted data is still at Src. Callers must inspect
// both before retrying.
type RenameError struct {
	Stage  string
	Src    string
	Dst    string
	Backup string
	Err    error
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("%s (%s): %s -> %s: %v", ErrRename, e.Stage, e.Src, e.Dst, e.Err)
}

func (e *RenameError) Is(target error) bool { return target == ErrRename }
func (e *RenameError) Unwrap() error        { return e.Err }

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrCompaction):
		return KindCompaction
	case errors.Is(err, ErrRename):
		return KindRename
	case errors.Is(err, ErrLocked):
		return KindLocked
	default:
		return KindUnknown
	}
}

// SafeToRetry reports whether the whole compaction can be re-run without
// first inspecting filesystem state. An error carrying its own verdict, such
// as one decoded from the HTTP API, is trusted over its kind.
func SafeToRetry(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var re *RenameError
	if errors.As(err, &re) {
		return re.Stage == StageSwapOut
	}
	switch KindOf(err) {
	case KindCompaction, KindLocked:
		return true
	default:
		return false
	}
}
