package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/facebookgo/stats"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/packages"
)

// MetadataHandler handles GET /:name, returning the package document.
func (s *RESTServer) MetadataHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	m, err := s.registry.FetchMetadata(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	m = s.publicDocument(m)
	if modified, err := time.Parse(time.RFC3339, m.Time["modified"]); err == nil {
		w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	}
	writeJSON(w, http.StatusOK, m)
}

// VersionHandler handles GET /:name/:version. The version may also be a
// dist-tag.
func (s *RESTServer) VersionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	ver := ps.ByName("arg")
	m, err := s.registry.FetchMetadata(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if tagged, ok := m.DistTags[ver]; ok {
		ver = tagged
	}
	if m.Versions[ver] == nil {
		writeError(w, errors.Wrapf(packages.ErrNotFound, "version %s of %s", ver, name))
		return
	}
	m = s.publicDocument(m)
	writeJSON(w, http.StatusOK, m.Versions[ver])
}

// publicDocument rewrites the tarball addresses in m to point to PublicURL.
// m itself is not changed.
func (s *RESTServer) publicDocument(m *packages.Metadata) *packages.Metadata {
	if s.PublicURL == "" {
		return m
	}
	c := m.Clone()
	for _, rec := range c.Versions {
		if rec == nil {
			continue
		}
		f, err := packages.TarballFilename(rec.Dist.Tarball)
		if err != nil {
			continue
		}
		rec.Dist.Tarball = packages.TarballURL(s.PublicURL, c.Name, f)
	}
	return c
}

// TarballHandler handles GET and HEAD for /:name/-/:filename. Range requests
// are supported.
func (s *RESTServer) TarballHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	filename := ps.ByName("arg")
	tb, err := s.openTarball(r.Context(), name, filename)
	if err != nil {
		writeError(w, err)
		return
	}
	defer tb.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, filename, time.Time{}, io.NewSectionReader(tb, 0, tb.Size))
}

// openTarball returns the tarball from the cache if it is there. Otherwise
// it is read from the registry and copied into the cache.
func (s *RESTServer) openTarball(ctx context.Context, name, filename string) (*packages.Tarball, error) {
	if s.TarballCache == nil {
		return s.registry.FetchTarball(ctx, name, filename)
	}
	key := packages.TarballKey(name, filename)
	rac, size, err := s.TarballCache.Get(key)
	if err != nil {
		log.Println("tarball cache:", err)
	} else if rac != nil {
		stats.BumpSum(s.Stats, "cache.tarball.hit", 1)
		return &packages.Tarball{ReadAtCloser: rac, Size: size}, nil
	}
	stats.BumpSum(s.Stats, "cache.tarball.miss", 1)
	tb, err := s.registry.FetchTarball(ctx, name, filename)
	if err != nil {
		return nil, err
	}
	cw, err := s.TarballCache.Put(key)
	if err != nil {
		// someone else is filling it
		return tb, nil
	}
	_, err = io.Copy(cw, io.NewSectionReader(tb, 0, tb.Size))
	cw.Close()
	if err != nil {
		log.Println("tarball cache:", key, err)
	}
	return tb, nil
}

// PublishHandler handles PUT /:name, which is how npm publishes. The body is
// the package document together with the tarballs in "_attachments".
func (s *RESTServer) PublishHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	body := http.MaxBytesReader(w, r.Body, s.MaxPublishSize)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if !errors.As(err, &tooBig) {
			err = errors.Wrapf(packages.ErrBadRequest, "reading body: %v", err)
		}
		writeError(w, err)
		return
	}
	doc, attachments, err := packages.DecodePublish(data)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.publishGate.EnterContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.publishGate.Leave()
	m, err := s.registry.Publish(r.Context(), name, ps.ByName("token"), doc, attachments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": m.Name})
}
