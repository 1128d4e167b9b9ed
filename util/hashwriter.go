package util

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
)

// VerifyStreamHash checksums the given io.Reader and compares the checksum
// against the provided sha1 and sha512 checksums. It returns true if everything
// matches, and false otherwise. Pass in an empty slice to not verify a given
// checksum type. For example, to only verify the SHA1 hash of the reader,
// pass in []byte{} for the sha512 parameter.
// The reader is not closed when finished.
func VerifyStreamHash(r io.Reader, sha1, sha512 []byte) (bool, error) {
	if len(sha1) == 0 && len(sha512) == 0 {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	var result = true
	if len(sha1) > 0 {
		_, ok := hw.CheckSHA1(sha1)
		result = result && ok
	}
	if len(sha512) > 0 {
		_, ok := hw.CheckSHA512(sha512)
		result = result && ok
	}
	return result, err
}

// An HashWriter wraps an io.Writer and also calculate the SHA1 and SHA512
// hashes of the bytes written. SHA1 is what npm records as a tarball's
// shasum. SHA512 backs the integrity string.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	sha1      hash.Hash
	sha512    hash.Hash
	n         int64
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		sha1:   sha1.New(),
		sha512: sha512.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.sha1, hw.sha512)
	return hw
}

// NewSHA1Writer returns a HashWriter wrapping w and only computing a SHA1 hash.
func NewSHA1Writer(w io.Writer) *HashWriter {
	hw := &HashWriter{
		sha1: sha1.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.sha1)
	return hw
}

// NewHashWriterPlain return a HashWriter that does not wrap an output stream.
// It will just compute the checksums of the data written to it.
func NewHashWriterPlain() *HashWriter {
	return NewHashWriter(io.Discard)
}

// Write passes p through to the wrapped writer and the hashes.
func (hw *HashWriter) Write(p []byte) (int, error) {
	n, err := hw.Writer.Write(p)
	hw.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (hw *HashWriter) Size() int64 {
	return hw.n
}

// CheckSHA1 returns the SHA1 hash for this writer, and compares it for equality
// with the goal hash passed in. Returns true if goal matches the SHA1 hash,
// false otherwise. If the goal is empty then it is treated as matching, and
// true is returned.
func (hw *HashWriter) CheckSHA1(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.sha1 != nil {
		computed = hw.sha1.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// CheckSHA512 returns the SHA512 hash for this writer, and compares it for
// equality with the goal hash passed in. Returns true if goal matches the
// SHA512 hash, false otherwise. If the goal is empty then it is treated as
// matching, and true is returned.
func (hw *HashWriter) CheckSHA512(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.sha512 != nil {
		computed = hw.sha512.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// SHA1Hex returns the lower case hex encoding of the SHA1 hash, the form npm
// uses for dist.shasum.
func (hw *HashWriter) SHA1Hex() string {
	h, _ := hw.CheckSHA1(nil)
	return hex.EncodeToString(h)
}
