package packages

import (
	"context"
	"log"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ndlib/npmstore/store"
)

// Registry implements fetching and publishing packages. Its zero value is not
// usable; make one with NewRegistry. The optional fields may be changed before
// the registry is first used.
type Registry struct {
	Metadata Repository
	Blobs    store.Store
	Auth     CredentialAuthority

	// optional
	Clock       clock.Clock  // time stamps in documents. Default: clock.New()
	Stats       stats.Client // may be nil
	MaxParallel int          // attachments verified at once. Default: 4

	fetches singleflight.Group // coalesces metadata reads
	locks   keyedMutex         // one publish per package at a time
}

// NewRegistry returns a registry keeping documents in repo and tarballs in
// blobs. Publishing requires a token auth validates.
func NewRegistry(repo Repository, blobs store.Store, auth CredentialAuthority) *Registry {
	return &Registry{
		Metadata:    repo,
		Blobs:       blobs,
		Auth:        auth,
		Clock:       clock.New(),
		MaxParallel: 4,
	}
}

// FetchMetadata returns the document for package name, or an error wrapping
// ErrNotFound. Concurrent calls for the same name share one read, so the
// returned document must not be modified. Clone it first.
func (r *Registry) FetchMetadata(ctx context.Context, name string) (*Metadata, error) {
	defer stats.BumpTime(r.Stats, "fetch.metadata.time").End()
	if ValidName(name) != nil {
		return nil, errors.Wrapf(ErrNotFound, "package %q", name)
	}
	// the read is shared, so one caller going away must not cancel it
	shared := context.WithoutCancel(ctx)
	v, err := r.fetches.Do(name, func() (interface{}, error) {
		return r.Metadata.Get(shared, name)
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		stats.BumpSum(r.Stats, "fetch.metadata.miss", 1)
		return nil, err
	}
	return v.(*Metadata), nil
}

// Tarball is an open tarball. Callers must Close it.
type Tarball struct {
	store.ReadAtCloser
	Size int64
}

// FetchTarball opens the tarball filename of package name. The content is not
// checked against the document; that happened when it was published.
func (r *Registry) FetchTarball(ctx context.Context, name, filename string) (*Tarball, error) {
	if ValidName(name) != nil || ValidFilename(filename) != nil {
		return nil, errors.Wrapf(ErrNotFound, "tarball %q of %q", filename, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rac, size, err := r.Blobs.Open(TarballKey(name, filename))
	if store.IsNotExist(err) {
		stats.BumpSum(r.Stats, "fetch.tarball.miss", 1)
		return nil, errors.Wrapf(ErrNotFound, "tarball %s of %s", filename, name)
	} else if err != nil {
		raven.CaptureError(err, map[string]string{"package": name})
		return nil, storageError(err, "opening %s", filename)
	}
	stats.BumpSum(r.Stats, "fetch.tarball.bytes", float64(size))
	return &Tarball{ReadAtCloser: rac, Size: size}, nil
}

// an upload is one attachment of a publish request
type upload struct {
	filename string
	att      Attachment
	versions []string // the versions whose tarball is this file
	digest   Digest
	skip     bool // the same tarball is already published
}

// Publish adds the versions and dist-tags in doc to package name, storing
// the tarballs given in attachments. The token must belong to a user with
// at least RoleWrite.
//
// Every attachment is decoded and checked against the shasum of its versions
// before anything is written. Tarballs are written before the document, so
// the document never refers to a missing tarball. A version which is already
// published may be sent again only with the same shasum.
//
// The merged document is returned.
func (r *Registry) Publish(ctx context.Context, name, token string, doc *Metadata, attachments map[string]Attachment) (*Metadata, error) {
	defer stats.BumpTime(r.Stats, "publish.time").End()
	m, err := r.publish(ctx, name, token, doc, attachments)
	if err != nil {
		stats.BumpSum(r.Stats, "publish.fail", 1)
		return nil, err
	}
	stats.BumpSum(r.Stats, "publish.ok", 1)
	return m, nil
}

func (r *Registry) publish(ctx context.Context, name, token string, doc *Metadata, attachments map[string]Attachment) (*Metadata, error) {
	id, err := r.authorize(ctx, token, RoleWrite)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.Wrap(ErrBadRequest, "missing document")
	}
	doc = doc.Clone()
	if doc.Name != "" && doc.Name != name {
		// npm names the package in the document; the path is only routing
		log.Printf("publish to %s names package %s", name, doc.Name)
		name = doc.Name
	}
	if err := validateDocument(name, doc); err != nil {
		return nil, err
	}
	uploads, err := matchAttachments(doc, attachments)
	if err != nil {
		return nil, err
	}
	if err := r.verify(ctx, doc, uploads); err != nil {
		return nil, err
	}

	unlock, err := r.locks.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := r.Metadata.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		existing = nil
	} else if err != nil {
		return nil, err
	}
	if err := r.reconcile(name, existing, doc, uploads); err != nil {
		return nil, err
	}
	merged := merge(existing, doc, r.Clock.Now())
	if err := checkTags(merged); err != nil {
		return nil, err
	}

	// tarballs first
	for _, u := range uploads {
		if err := r.writeBlob(ctx, name, u); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.Metadata.Put(ctx, name, merged); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("publish %s: %s", name, err)
		raven.CaptureError(err, map[string]string{"package": name})
		return nil, err
	}
	log.Printf("publish %s %s by %s", name, strings.Join(SortedVersions(doc), ","), id.User)
	return merged, nil
}

func (r *Registry) authorize(ctx context.Context, token string, need Role) (Identity, error) {
	if token == "" || r.Auth == nil {
		return Identity{}, errors.Wrap(ErrUnauthorized, "no token")
	}
	id, err := r.Auth.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return Identity{}, err
		}
		return Identity{}, errors.Wrapf(ErrUnauthorized, "validating token: %v", err)
	}
	if id.Role < need {
		return id, errors.Wrapf(ErrForbidden, "user %s has role %s", id.User, id.Role)
	}
	return id, nil
}

// validateDocument checks the incoming document and fills in the name and
// version fields its records may leave out.
func validateDocument(name string, doc *Metadata) error {
	if err := ValidName(name); err != nil {
		return err
	}
	doc.Name = name
	if len(doc.Versions) == 0 {
		return errors.Wrap(ErrBadRequest, "no versions in document")
	}
	for ver, rec := range doc.Versions {
		if _, err := semver.StrictNewVersion(ver); err != nil {
			return errors.Wrapf(ErrBadRequest, "version %q: %v", ver, err)
		}
		if rec == nil {
			return errors.Wrapf(ErrBadRequest, "version %s is empty", ver)
		}
		if rec.Version == "" {
			rec.Version = ver
		} else if rec.Version != ver {
			return errors.Wrapf(ErrBadRequest, "version %s is labeled %s", ver, rec.Version)
		}
		if rec.Name == "" {
			rec.Name = name
		} else if rec.Name != name {
			return errors.Wrapf(ErrBadRequest, "version %s is for %s", ver, rec.Name)
		}
		rec.Dist.Shasum = strings.ToLower(rec.Dist.Shasum)
		if !validShasum.MatchString(rec.Dist.Shasum) {
			return errors.Wrapf(ErrBadRequest, "version %s has shasum %q", ver, rec.Dist.Shasum)
		}
		if _, err := TarballFilename(rec.Dist.Tarball); err != nil {
			return errors.Wrapf(err, "version %s", ver)
		}
	}
	for tag, ver := range doc.DistTags {
		if tag == "" || ver == "" {
			return errors.Wrap(ErrBadRequest, "empty dist-tag")
		}
	}
	return nil
}

// matchAttachments pairs every attachment with the versions whose tarball
// has the attachment's file name. An attachment no version refers to is an
// error.
func matchAttachments(doc *Metadata, attachments map[string]Attachment) ([]*upload, error) {
	byFile := make(map[string][]string)
	for ver, rec := range doc.Versions {
		f, _ := TarballFilename(rec.Dist.Tarball)
		byFile[f] = append(byFile[f], ver)
	}
	var uploads []*upload
	for key, a := range attachments {
		f := path.Base(key)
		if err := ValidFilename(f); err != nil {
			return nil, err
		}
		versions := byFile[f]
		if len(versions) == 0 {
			return nil, errors.Wrapf(ErrBadRequest, "attachment %s matches no version", key)
		}
		sort.Strings(versions)
		uploads = append(uploads, &upload{filename: f, att: a, versions: versions})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].filename < uploads[j].filename })
	for i := 1; i < len(uploads); i++ {
		if uploads[i].filename == uploads[i-1].filename {
			return nil, errors.Wrapf(ErrBadRequest, "two attachments named %s", uploads[i].filename)
		}
	}
	return uploads, nil
}

// verify checks every upload against the dist of each version it belongs to.
// It fills in the content type of those versions.
func (r *Registry) verify(ctx context.Context, doc *Metadata, uploads []*upload) error {
	g, gctx := errgroup.WithContext(ctx)
	if r.MaxParallel > 0 {
		g.SetLimit(r.MaxParallel)
	}
	for _, u := range uploads {
		u := u
		g.Go(func() error {
			for _, ver := range u.versions {
				d, err := VerifyAttachment(gctx, u.att, doc.Versions[ver].Dist)
				if err != nil {
					return errors.Wrapf(err, "%s", u.filename)
				}
				u.digest = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, u := range uploads {
		ct := u.att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		for _, ver := range u.versions {
			doc.Versions[ver].Dist.ContentType = ct
		}
	}
	return nil
}

// reconcile applies the republish policy against the stored document. A
// version already published must keep its shasum; if it does, its tarball
// is not written again. A new version must come with its tarball.
func (r *Registry) reconcile(name string, existing, doc *Metadata, uploads []*upload) error {
	uploaded := make(map[string]*upload)
	for _, u := range uploads {
		for _, ver := range u.versions {
			uploaded[ver] = u
		}
	}
	for ver, rec := range doc.Versions {
		var old *VersionRecord
		if existing != nil {
			old = existing.Versions[ver]
		}
		u := uploaded[ver]
		switch {
		case old != nil && old.Dist.Shasum != rec.Dist.Shasum:
			return errors.Wrapf(ErrVersionExists, "%s@%s", name, ver)
		case old == nil && u == nil:
			return errors.Wrapf(ErrBadRequest, "no attachment for version %s", ver)
		case old != nil && u == nil:
			// metadata only update of a published version. It must keep
			// pointing at the tarball already stored.
			f, _ := TarballFilename(rec.Dist.Tarball)
			oldf, _ := TarballFilename(old.Dist.Tarball)
			if f != oldf {
				return errors.Wrapf(ErrBadRequest, "version %s moves its tarball from %s to %s without an attachment", ver, oldf, f)
			}
			rec.Dist.ContentType = old.Dist.ContentType
		}
	}
	for _, u := range uploads {
		u.skip = true
		for _, ver := range u.versions {
			if existing == nil || existing.Versions[ver] == nil {
				u.skip = false
			}
		}
		if u.skip && !r.blobExists(name, u.filename) {
			u.skip = false
		}
	}
	return nil
}

func (r *Registry) blobExists(name, filename string) bool {
	rac, _, err := r.Blobs.Open(TarballKey(name, filename))
	if err != nil {
		return false
	}
	rac.Close()
	return true
}

// writeBlob stores the decoded attachment. A failed write is aborted by the
// store and leaves nothing behind.
func (r *Registry) writeBlob(ctx context.Context, name string, u *upload) error {
	if u.skip {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := TarballKey(name, u.filename)
	n, err := store.Put(r.Blobs, key, u.att.Open(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("publish %s: writing %s: %s", name, key, err)
		raven.CaptureError(err, map[string]string{"package": name})
		return storageError(err, "writing %s", u.filename)
	}
	stats.BumpSum(r.Stats, "publish.bytes", float64(n))
	return nil
}
