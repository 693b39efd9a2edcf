package nprpc

import (
	"fmt"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind enumerates the Error_* wire codes of spec.md §3/§7.
type ErrorKind int32

const (
	KindSuccess ErrorKind = iota
	KindPoaNotExist
	KindObjectNotExist
	KindCommFailure
	KindUnknownFunctionIndex
	KindUnknownMessageId
	KindBadAccess
	KindBadInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindSuccess:
		return "Success"
	case KindPoaNotExist:
		return "PoaNotExist"
	case KindObjectNotExist:
		return "ObjectNotExist"
	case KindCommFailure:
		return "CommFailure"
	case KindUnknownFunctionIndex:
		return "UnknownFunctionIndex"
	case KindUnknownMessageId:
		return "UnknownMessageId"
	case KindBadAccess:
		return "BadAccess"
	case KindBadInput:
		return "BadInput"
	default:
		return "Unknown"
	}
}

// RpcError is the discriminated failure every invocation surfaces as,
// per spec.md §7 ("every failure surfaces as an exception/result of a
// discriminated kind").
type RpcError struct {
	Kind   ErrorKind
	Reason string
	cause  error
}

func NewRpcError(kind ErrorKind, reason string) *RpcError {
	return &RpcError{Kind: kind, Reason: reason}
}

// NewCommFailure wraps cause with a stack trace (via github.com/pkg/errors)
// so diagnostics retain the failing transport call site.
func NewCommFailure(reason string, cause error) *RpcError {
	e := &RpcError{Kind: KindCommFailure, Reason: reason}
	if cause != nil {
		e.cause = pkgerrors.Wrap(cause, reason)
	}
	return e
}

func (e *RpcError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RpcError) Unwrap() error { return e.cause }

// Permanent reports whether a caller should never retry this exact call.
func (e *RpcError) Permanent() bool {
	switch e.Kind {
	case KindPoaNotExist, KindUnknownFunctionIndex, KindUnknownMessageId, KindBadAccess, KindBadInput:
		return true
	default:
		return false
	}
}

func IsKind(err error, kind ErrorKind) bool {
	var rerr *RpcError
	if e, ok := err.(*RpcError); ok {
		rerr = e
	} else {
		return false
	}
	return rerr.Kind == kind
}

// MultiErr aggregates errors observed concurrently, deduplicating by
// message, bounded in size — adapted from the teacher's cmn/cos.Errs.
// The runtime's own session teardown does not use it; it fails each
// pending call individually.
type MultiErr struct {
	mu   sync.Mutex
	errs []error
}

const maxMultiErrs = 8

func (m *MultiErr) Add(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errs {
		if e.Error() == err.Error() {
			return
		}
	}
	if len(m.errs) < maxMultiErrs {
		m.errs = append(m.errs, err)
	}
}

func (m *MultiErr) Cnt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errs)
}

func (m *MultiErr) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) == 0 {
		return ""
	}
	s := m.errs[0].Error()
	if n := len(m.errs); n > 1 {
		s = fmt.Sprintf("%s (and %d more error(s))", s, n-1)
	}
	return s
}
