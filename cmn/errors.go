// Package cmn holds the ambient stack shared by every cs-reco component:
// the error-kind taxonomy (§7), the persistence codec (§4.10), and the
// Clock/Storage seams that let the volume-manager FSM run against an
// in-memory double in tests (§9, "Global mutable state to erase").
package cmn

import (
	"github.com/pkg/errors"
)

// Kind tags an error with the taxonomy from spec §7, so callers can decide
// "return without advancing" vs. "propagate fatally" without string-matching.
type Kind int

const (
	KindNone Kind = iota
	KindIoMissing
	KindIoCorrupt
	KindParseError
	KindUnsupportedRawFormat
	KindSubprocessFailed
	KindRendezvousPending
	KindUnknownBatchState
)

func (k Kind) String() string {
	switch k {
	case KindIoMissing:
		return "io-missing"
	case KindIoCorrupt:
		return "io-corrupt"
	case KindParseError:
		return "parse-error"
	case KindUnsupportedRawFormat:
		return "unsupported-raw-format"
	case KindSubprocessFailed:
		return "subprocess-failed"
	case KindRendezvousPending:
		return "rendezvous-pending"
	case KindUnknownBatchState:
		return "unknown-batch-state"
	default:
		return "none"
	}
}

type kindErr struct {
	kind Kind
	err  error
}

func (e *kindErr) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindErr) Cause() error  { return e.err }
func (e *kindErr) Unwrap() error { return e.err }

// Tag wraps err with a Kind, preserving err's message via errors.Wrap so the
// call chain remains visible in logs. A nil err is common here -- most of
// the taxonomy's sentinel conditions (rendezvous pending, unsupported raw
// format, malformed index line) have no underlying error to wrap, only a
// Kind and a message -- so Tag always manufactures a *kindErr rather than
// handing the caller back a nil error for a real failure.
func Tag(kind Kind, err error, msg string) error {
	if err == nil {
		return &kindErr{kind: kind, err: errors.New(msg)}
	}
	return &kindErr{kind: kind, err: errors.Wrap(err, msg)}
}

// Tagf is Tag with a formatted message.
func Tagf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return &kindErr{kind: kind, err: errors.Errorf(format, args...)}
	}
	return &kindErr{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// KindOf unwraps err looking for a tagged Kind; returns KindNone if untagged.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindErr); ok {
			return ke.kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return KindNone
		}
		err = u.Unwrap()
	}
	return KindNone
}

// Transient reports whether err represents a condition a fixed-point loop
// should treat as "not ready yet" rather than a fatal failure.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindIoMissing, KindRendezvousPending:
		return true
	default:
		return false
	}
}
