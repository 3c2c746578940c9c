package tuf

import (
	"fmt"

	"github.com/pkg/errors"
)

// Closed error taxonomy for metadata handling. Callers match with
// errors.Is / errors.As; upper layers translate to user-visible messages.
var (
	ErrMetadataInvalid     = errors.New("metadata is invalid")
	ErrMissingMetadata     = errors.New("metadata file does not exist")
	ErrAlreadyExists       = errors.New("metadata directory already exists")
	ErrSignatureThreshold  = errors.New("signature threshold not met")
	ErrInvalidSignature    = errors.New("signature check failed")
	ErrInvalidKey          = errors.New("key is not authorized for role")
	ErrUnknownRole         = errors.New("role does not exist")
	ErrUnknownKeyID        = errors.New("key id is not known")
	ErrDelegationLoop      = errors.New("delegation graph contains a cycle")
	ErrInsufficientSigners = errors.New("not enough signers loaded for role")
	ErrExpired             = errors.New("metadata is expired")
	ErrVersionRegression   = errors.New("metadata version went backwards")
	ErrEqualVersion        = errors.New("metadata version is unchanged")
	ErrBadVersion          = errors.New("metadata version does not match snapshot info")
	ErrHashMismatch        = errors.New("hash of file was not correct")
	ErrLengthMismatch      = errors.New("length of file was not correct")
	ErrTargetNotFound      = errors.New("target is not registered")
	ErrUnsupportedHash     = errors.New("unsupported hash algorithm")
)

// RoleError attaches a role name to a taxonomy error.
type RoleError struct {
	Role string
	Err  error
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("role %q: %v", e.Role, e.Err)
}

func (e *RoleError) Unwrap() error { return e.Err }

func roleErr(role string, err error) error {
	return &RoleError{Role: role, Err: err}
}
