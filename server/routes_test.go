package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/packages"
	"github.com/ndlib/npmstore/util"
)

func TestErrorStatus(t *testing.T) {
	var table = []struct {
		err    error
		status int
	}{
		{errors.Wrap(packages.ErrUnauthorized, "x"), 401},
		{errors.Wrap(packages.ErrForbidden, "x"), 403},
		{errors.Wrap(packages.ErrBadRequest, "x"), 400},
		{errors.Wrap(packages.ErrChecksumMismatch, "x"), 400},
		{errors.Wrap(packages.ErrNotFound, "x"), 404},
		{errors.Wrap(packages.ErrVersionExists, "x"), 409},
		{errors.Wrap(packages.ErrStorage, "x"), 500},
		{&http.MaxBytesError{Limit: 10}, 413},
		{util.ErrGateStopped, 503},
		{context.Canceled, 499},
		{errors.Wrap(context.Canceled, "reading metadata"), 499},
		{errors.New("something else"), 500},
	}

	for _, tab := range table {
		status := errorStatus(tab.err)
		if status != tab.status {
			t.Errorf("For %v received %d, expected %d", tab.err, status, tab.status)
		}
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.Wrap(packages.ErrUnauthorized, "no token"))
	if w.Code != 401 {
		t.Errorf("Received %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("Missing WWW-Authenticate header")
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, `{"error":`) || !strings.Contains(body, "no token") {
		t.Errorf("Received %s", body)
	}
}

func TestRequestToken(t *testing.T) {
	var table = []struct {
		header, value string
		token         string
	}{
		{"Authorization", "Bearer abc", "abc"},
		{"Authorization", "bearer  abc ", "abc"},
		{"Authorization", "Basic abc", ""},
		{"X-Api-Key", "abc", "abc"},
		{"Other", "abc", ""},
	}

	for _, tab := range table {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(tab.header, tab.value)
		token := requestToken(r)
		if token != tab.token {
			t.Errorf("For %s: %s received %q, expected %q", tab.header, tab.value, token, tab.token)
		}
	}
}
