package drm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrTimeout   = errors.New("drm: wait timed out")
	ErrNotFound  = errors.New("drm: job not found")
	ErrAmbiguous = errors.New("drm: ambiguous wait failure")
)

// Kind is the classification of a Backend failure.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindNotFound
	KindAmbiguous
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "other"
	}
}

// noRusagePrefix is how bindings render ErrnoNoRusage when they drop the
// error type and surface only text.
const noRusagePrefix = "code 24"

// Error is a classified Backend failure.
type Error struct {
	Kind  Kind
	Op    string // Backend operation, e.g. "wait"
	Cause error  // Original vendor error
}

func (e *Error) Error() string {
	return fmt.Sprintf("drm %s: %v", e.Op, e.Cause)
}

// Unwrap exposes both the kind sentinel and the vendor cause.
func (e *Error) Unwrap() []error {
	return []error{e.sentinel(), e.Cause}
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindTimeout:
		return ErrTimeout
	case KindNotFound:
		return ErrNotFound
	case KindAmbiguous:
		return ErrAmbiguous
	default:
		return nil
	}
}

// Classify maps a Backend failure to a Kind. Only the recognised vendor
// signatures are wrapped; anything else is returned unmodified.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := kindOfVendor(err)
	if kind == KindOther {
		return err
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// KindOf returns the classification of err, or KindOther.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

func kindOfVendor(err error) Kind {
	var ve *VendorError
	if errors.As(err, &ve) {
		switch ve.Code {
		case ErrnoExitTimeout:
			return KindTimeout
		case ErrnoInvalidJob:
			return KindNotFound
		case ErrnoNoRusage:
			return KindAmbiguous
		}
		return KindOther
	}
	if strings.HasPrefix(err.Error(), noRusagePrefix) {
		return KindAmbiguous
	}
	return KindOther
}
