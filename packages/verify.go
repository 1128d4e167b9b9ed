package packages

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/util"
)

// Digest is what Verify computed for a stream.
type Digest struct {
	Shasum    string // lowercase hex SHA1
	Integrity string // sha512 subresource integrity string
	Size      int64
}

// Verify reads r to the end, and only then compares what it read against
// dist. The shasum must match. The integrity string is checked when dist has
// one; entries using algorithms other than sha1 and sha512 are ignored.
func Verify(r io.Reader, dist DistInfo) (Digest, bool, error) {
	hw := util.NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	sha1sum, _ := hw.CheckSHA1(nil)
	sha512sum, _ := hw.CheckSHA512(nil)
	d := Digest{
		Shasum:    hex.EncodeToString(sha1sum),
		Integrity: "sha512-" + base64.StdEncoding.EncodeToString(sha512sum),
		Size:      hw.Size(),
	}
	if err != nil {
		return d, false, err
	}
	ok := d.Shasum == strings.ToLower(dist.Shasum)
	if ok && dist.Integrity != "" {
		ok = checkIntegrity(dist.Integrity, d.Shasum, sha512sum)
	}
	return d, ok, nil
}

func checkIntegrity(integrity, sha1hex string, sha512sum []byte) bool {
	for _, entry := range strings.Fields(integrity) {
		// options may follow a '?'
		if i := strings.IndexByte(entry, '?'); i >= 0 {
			entry = entry[:i]
		}
		alg, value, found := strings.Cut(entry, "-")
		if !found {
			continue
		}
		want, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return false
		}
		switch alg {
		case "sha512":
			if string(want) != string(sha512sum) {
				return false
			}
		case "sha1":
			if hex.EncodeToString(want) != sha1hex {
				return false
			}
		}
	}
	return true
}

// VerifyAttachment decodes the base64 data of a and checks it against dist
// without holding the decoded bytes in memory. A malformed encoding is an
// ErrBadRequest, a digest which does not match an ErrChecksumMismatch. The
// context is checked while the data is read.
func VerifyAttachment(ctx context.Context, a Attachment, dist DistInfo) (Digest, error) {
	d, ok, err := Verify(a.Open(ctx), dist)
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		return d, errors.Wrapf(ErrBadRequest, "decoding attachment: %v", err)
	}
	if a.Length > 0 && a.Length != d.Size {
		return d, errors.Wrapf(ErrBadRequest, "attachment length is %d, declared %d", d.Size, a.Length)
	}
	if !ok {
		return d, errors.Wrapf(ErrChecksumMismatch, "computed %s, declared %s", d.Shasum, dist.Shasum)
	}
	return d, nil
}

// Open returns a reader giving the decoded content of a.
func (a Attachment) Open(ctx context.Context) io.Reader {
	return base64.NewDecoder(base64.StdEncoding, ctxReader{ctx: ctx, r: strings.NewReader(a.Data)})
}

// ctxReader fails reads once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
