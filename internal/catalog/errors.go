package catalog

import (
	"errors"
	"fmt"
)

// ErrContextMismatch is returned by strict lookups when a field has values but
// none of them matches the requested channel and locale.
var ErrContextMismatch = errors.New("no value matches channel/locale")

// AuthError reports a missing or rejected catalog credential. It is fatal to
// the whole run.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("catalog auth failed: status=%d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("catalog auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CatalogError reports a non-2xx answer or a transport fault for a single
// catalog operation.
type CatalogError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *CatalogError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("catalog %s: status=%d body=%s", e.Op, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("catalog %s failed", e.Op)
	}
}

func (e *CatalogError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item %q not found", e.Key)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
