package mailtm

import (
	"errors"
	"fmt"
)

var (
	// ErrAddressTaken signals an account-creation address collision (HTTP 422).
	// CreateAccount retries these internally with a fresh local part.
	ErrAddressTaken = errors.New("mailtm: address already taken")

	// ErrNoDomains means the upstream reported no active mailbox domains.
	ErrNoDomains = errors.New("mailtm: no active domains available")
)

// TransientError wraps a timeout or 5xx-class failure that survived the
// retry schedule. Callers should log it and move on; the next poll cycle
// gets a fresh chance.
type TransientError struct {
	Op     string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("mailtm: %s: upstream %d (retries exhausted)", e.Op, e.Status)
	}
	return fmt.Sprintf("mailtm: %s: %v (retries exhausted)", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a 4xx-class failure that is not worth retrying.
type PermanentError struct {
	Op     string
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("mailtm: %s: upstream rejected request (%d)", e.Op, e.Status)
}

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
