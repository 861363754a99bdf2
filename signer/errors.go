package signer

import (
	"fmt"
)

// ErrCredentialsMissing indicates a required credential field is empty.
// No request should be attempted when it is returned.
type ErrCredentialsMissing struct {
	Scheme string
	Field  string
}

func (e ErrCredentialsMissing) Error() string {
	return fmt.Sprintf("credentials_missing: %s requires %s", e.Scheme, e.Field)
}

// ErrSigning indicates the authorization material could not be produced.
type ErrSigning struct {
	Err error
}

func (e ErrSigning) Error() string {
	return fmt.Errorf("signing: %w", e.Err).Error()
}

func (e ErrSigning) Unwrap() error {
	return e.Err
}
