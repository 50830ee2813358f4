package crm

import (
	"errors"
	"fmt"
)

// ErrNeedsAuth means no usable token exists and an operator must complete
// the OAuth flow. Retrying does not help until that happens.
var ErrNeedsAuth = errors.New("crm not authorized")

// ErrAuthExpired means the token was rejected and the refresh attempt did
// not produce a working replacement.
var ErrAuthExpired = errors.New("crm authorization expired")

// TransientError covers failures worth retrying: 5xx responses, rate
// limiting and transport errors.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("crm transient failure: status %d", e.Status)
	}
	return fmt.Sprintf("crm transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers 4xx responses where retrying the same request
// would fail the same way.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("crm rejected request: status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
