package packages

import (
	"context"
	"io"

	"github.com/facebookgo/stats"

	"github.com/ndlib/npmstore/store"
)

// AuditStatus is the outcome of checking one tarball.
type AuditStatus int

const (
	AuditOK AuditStatus = iota
	AuditMissing
	AuditMismatch
	AuditError
)

func (s AuditStatus) String() string {
	switch s {
	case AuditOK:
		return "ok"
	case AuditMissing:
		return "missing"
	case AuditMismatch:
		return "mismatch"
	}
	return "error"
}

// AuditResult records the check of the tarball of one version.
type AuditResult struct {
	Version  string
	Filename string
	Status   AuditStatus
	Expected string // the shasum in the document
	Computed string // empty unless the tarball could be read
	Notes    string
}

// Audit reads back the tarball of every version of package name and compares
// it with the shasum recorded for it. If wrap is not nil every tarball is read
// through it, which allows the reading to be throttled. There is one result
// per version, in version order. An error is returned only if the document
// itself cannot be read or ctx is done.
func (r *Registry) Audit(ctx context.Context, name string, wrap func(io.Reader) io.Reader) ([]AuditResult, error) {
	m, err := r.Metadata.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var results []AuditResult
	for _, ver := range SortedVersions(m) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		rec := m.Versions[ver]
		if rec == nil {
			continue
		}
		results = append(results, r.auditVersion(ctx, name, ver, rec, wrap))
	}
	return results, nil
}

func (r *Registry) auditVersion(ctx context.Context, name, ver string, rec *VersionRecord, wrap func(io.Reader) io.Reader) AuditResult {
	result := AuditResult{Version: ver, Expected: rec.Dist.Shasum}
	f, err := TarballFilename(rec.Dist.Tarball)
	if err != nil {
		result.Status = AuditError
		result.Notes = err.Error()
		return result
	}
	result.Filename = f
	rac, _, err := r.Blobs.Open(TarballKey(name, f))
	if store.IsNotExist(err) {
		stats.BumpSum(r.Stats, "audit.missing", 1)
		result.Status = AuditMissing
		return result
	} else if err != nil {
		result.Status = AuditError
		result.Notes = err.Error()
		return result
	}
	defer rac.Close()
	var in io.Reader = store.NewReader(rac)
	if wrap != nil {
		in = wrap(in)
	}
	in = ctxReader{ctx: ctx, r: in}
	d, ok, err := Verify(in, rec.Dist)
	result.Computed = d.Shasum
	switch {
	case err != nil:
		result.Status = AuditError
		result.Computed = ""
		result.Notes = err.Error()
	case !ok:
		stats.BumpSum(r.Stats, "audit.mismatch", 1)
		result.Status = AuditMismatch
	default:
		stats.BumpSum(r.Stats, "audit.ok", 1)
	}
	return result
}
