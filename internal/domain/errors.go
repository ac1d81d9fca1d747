package domain

import "errors"

var (
	// ErrNotFound is returned when a session, deck, or result does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a non-host attempts a host-only action.
	ErrForbidden = errors.New("forbidden: host only")
	// ErrInvalidPhase indicates the requested transition is illegal from the current phase.
	ErrInvalidPhase = errors.New("invalid phase for requested transition")
	// ErrConflict covers duplicate creates and duplicate answer submissions.
	ErrConflict = errors.New("conflict")
	// ErrFull is returned when the participant cap has been reached.
	ErrFull = errors.New("session is full")
	// ErrClosed is returned when joining or acting on a finished session.
	ErrClosed = errors.New("session is closed")
	// ErrAlreadyClaimed indicates a speed-match pair was claimed by another participant first.
	ErrAlreadyClaimed = errors.New("pair already claimed")
	// ErrInvalid is returned for malformed input or out-of-range configuration.
	ErrInvalid = errors.New("invalid input")
	// ErrNetwork wraps transport failures (timeouts, refused connections, non-2xx without a code).
	ErrNetwork = errors.New("network failure")
	// ErrDecode wraps malformed bodies and unknown wire types.
	ErrDecode = errors.New("decode failure")
)

var codes = []struct {
	code string
	err  error
}{
	{"not_found", ErrNotFound},
	{"forbidden", ErrForbidden},
	{"invalid_phase", ErrInvalidPhase},
	{"conflict", ErrConflict},
	{"full", ErrFull},
	{"closed", ErrClosed},
	{"already_claimed", ErrAlreadyClaimed},
	{"invalid", ErrInvalid},
	{"network", ErrNetwork},
	{"decode", ErrDecode},
}

// Code returns the stable wire code for err, or "internal" when err is not part of the taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorForCode maps a wire code back to its sentinel. Unknown codes return nil.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
