package controlplane

import (
	"fmt"

	"study-game-service/internal/domain"
)

// Kind is the closed set of failure classes a control-plane call can produce.
type Kind string

const (
	// KindNetwork covers timeouts, refused connections and non-2xx replies without a known code.
	KindNetwork Kind = "network"
	// KindServerRejected means the server answered with a taxonomy code.
	KindServerRejected Kind = "server_rejected"
	// KindDecode means the reply could not be parsed.
	KindDecode Kind = "decode"
)

// Error is returned by every Client call that fails.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServerRejected:
		return fmt.Sprintf("control plane rejected request (%d %s): %s", e.Status, e.Code, e.Message)
	case KindDecode:
		return fmt.Sprintf("control plane reply undecodable: %v", e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("control plane unreachable: %v", e.Err)
		}
		return fmt.Sprintf("control plane returned %d: %s", e.Status, e.Message)
	}
}

// Unwrap exposes the matching domain sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	var errs []error
	switch e.Kind {
	case KindNetwork:
		errs = append(errs, domain.ErrNetwork)
	case KindDecode:
		errs = append(errs, domain.ErrDecode)
	case KindServerRejected:
		if sentinel := domain.ErrorForCode(e.Code); sentinel != nil {
			errs = append(errs, sentinel)
		}
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork
}
