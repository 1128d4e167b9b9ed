package packages

import (
	"github.com/pkg/errors"
)

// The kinds of failure the registry reports. Errors returned by this package
// wrap one of these, so callers can test for them with errors.Is or Kind.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrBadRequest       = errors.New("bad request")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrNotFound         = errors.New("not found")
	ErrStorage          = errors.New("storage error")
	ErrVersionExists    = errors.New("version already published")
)

var kinds = []error{
	ErrUnauthorized,
	ErrForbidden,
	ErrBadRequest,
	ErrChecksumMismatch,
	ErrNotFound,
	ErrVersionExists,
	ErrStorage,
}

// Kind returns the sentinel error err wraps, or nil if it wraps none of them.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// storageError marks err as a failure of the underlying storage.
func storageError(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrStorage, format+": %v", append(args, err)...)
}
