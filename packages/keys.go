package packages

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// MaxNameLength is the longest package name npm accepts.
const MaxNameLength = 214

var (
	validName   = regexp.MustCompile(`^(@[a-z0-9~-][a-z0-9._~-]*/)?[a-z0-9~-][a-z0-9._~-]*$`)
	validShasum = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// ValidName returns nil if name is an acceptable package name. Scoped names
// have the form "@scope/name".
func ValidName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return errors.Wrapf(ErrBadRequest, "invalid package name %q", name)
	}
	if !validName.MatchString(name) {
		return errors.Wrapf(ErrBadRequest, "invalid package name %q", name)
	}
	return nil
}

// ValidFilename returns nil if f can be the file name of a tarball.
func ValidFilename(f string) error {
	if f == "" || f == "." || f == ".." || strings.ContainsAny(f, "/\\") {
		return errors.Wrapf(ErrBadRequest, "invalid tarball name %q", f)
	}
	for _, c := range f {
		if c <= ' ' || c == 0x7f {
			return errors.Wrapf(ErrBadRequest, "invalid tarball name %q", f)
		}
	}
	return nil
}

// TarballKey is the blob store key for the tarball filename of package name.
func TarballKey(name, filename string) string {
	return url.PathEscape(name + "/-/" + filename)
}

// MetadataKey is the store key used by StoreRepository for the document of
// package name.
func MetadataKey(name string) string {
	return url.PathEscape(name)
}

// TarballFilename returns the last path segment of a tarball URL.
func TarballFilename(tarball string) (string, error) {
	u, err := url.Parse(tarball)
	if err != nil {
		return "", errors.Wrapf(ErrBadRequest, "tarball url %q: %v", tarball, err)
	}
	f := path.Base(u.Path)
	if err := ValidFilename(f); err != nil {
		return "", err
	}
	return f, nil
}

// DefaultFilename is the file name npm gives the tarball of a version. The
// scope is not part of it.
func DefaultFilename(name, version string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name + "-" + version + ".tgz"
}

// TarballURL returns the address a client fetches filename from, given the
// base URL of the registry.
func TarballURL(base, name, filename string) string {
	return strings.TrimSuffix(base, "/") + "/" + name + "/-/" + filename
}
