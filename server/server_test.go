package server

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ndlib/npmstore/blobcache"
	"github.com/ndlib/npmstore/packages"
	"github.com/ndlib/npmstore/store"
)

// newTestServer starts a server with the users ann (write), bob (read), and
// cat (admin). The passwords are the user name followed by "-pass". The
// server is changed by configure, if given, before it is started.
func newTestServer(t *testing.T, configure func(*RESTServer)) (*RESTServer, *httptest.Server) {
	users, err := NewUserListString(userLine(t, "ann", "write", "ann-pass") +
		userLine(t, "bob", "read", "bob-pass") +
		userLine(t, "cat", "admin", "cat-pass"))
	if err != nil {
		t.Fatal(err)
	}
	s := &RESTServer{Users: users}
	if configure != nil {
		configure(s)
	}
	err = s.Init()
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// publishBody builds the request npm sends to publish version of name with
// the given tarball content. If shasum is empty the correct one is used.
func publishBody(name, version string, content []byte, shasum string) []byte {
	if shasum == "" {
		sum := sha1.Sum(content)
		shasum = hex.EncodeToString(sum[:])
	}
	f := packages.DefaultFilename(name, version)
	doc := map[string]interface{}{
		"_id":         name,
		"name":        name,
		"description": "a package for testing",
		"dist-tags":   map[string]string{"latest": version},
		"versions": map[string]interface{}{
			version: map[string]interface{}{
				"name":    name,
				"version": version,
				"main":    "index.js",
				"dist": map[string]string{
					"shasum":  shasum,
					"tarball": packages.TarballURL("http://localhost:4873", name, f),
				},
			},
		},
		"_attachments": map[string]interface{}{
			name + "-" + version + ".tgz": map[string]interface{}{
				"content_type": "application/octet-stream",
				"data":         base64.StdEncoding.EncodeToString(content),
				"length":       len(content),
			},
		},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return body
}

func sendRequest(t *testing.T, ts *httptest.Server, verb, route, token string, body []byte) *http.Response {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(verb, ts.URL+route, r)
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(route, err)
	}
	return resp
}

// checkRoute sends the request and returns the body if the response status
// is expstatus.
func checkRoute(t *testing.T, ts *httptest.Server, verb, route, token string, body []byte, expstatus int) string {
	t.Helper()
	resp := sendRequest(t, ts, verb, route, token, body)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(route, err)
	}
	if resp.StatusCode != expstatus {
		t.Errorf("%s %s: Expected status %d and received %d: %s",
			verb,
			route,
			expstatus,
			resp.StatusCode,
			text)
	}
	return string(text)
}

func login(t *testing.T, ts *httptest.Server, user string) string {
	t.Helper()
	body := fmt.Sprintf(`{"_id":"org.couchdb.user:%s","name":"%s","password":"%s-pass","type":"user","roles":[]}`, user, user, user)
	text := checkRoute(t, ts, "PUT", "/-/user/org.couchdb.user:"+user, "", []byte(body), 201)
	var v struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}
	err := json.Unmarshal([]byte(text), &v)
	if err != nil || !v.OK || v.Token == "" {
		t.Fatalf("login %s: received %s", user, text)
	}
	return v.Token
}

func sha1string(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestWelcome(t *testing.T) {
	_, ts := newTestServer(t, nil)
	text := checkRoute(t, ts, "GET", "/", "", nil, 200)
	if !strings.HasPrefix(text, "npmstore") {
		t.Errorf("Received %q", text)
	}
	text = checkRoute(t, ts, "GET", "/-/ping", "", nil, 200)
	if strings.TrimSpace(text) != "{}" {
		t.Errorf("Received %q", text)
	}
	checkRoute(t, ts, "GET", "/-/nothing", "", nil, 404)
	checkRoute(t, ts, "POST", "/elephant", "", nil, 405)
	text = checkRoute(t, ts, "GET", "/-/debug/vars", "", nil, 200)
	if !strings.Contains(text, `"npmstore"`) {
		t.Errorf("expvars are missing npmstore: %s", text)
	}
}

func TestLogin(t *testing.T) {
	_, ts := newTestServer(t, nil)
	checkRoute(t, ts, "PUT", "/-/user/org.couchdb.user:ann", "", []byte(`{"name":"ann","password":"wrong"}`), 401)
	checkRoute(t, ts, "PUT", "/-/user/org.couchdb.user:ann", "", []byte(`{"name":"bob","password":"bob-pass"}`), 400)
	checkRoute(t, ts, "PUT", "/-/user/org.couchdb.user:ann", "", []byte(`not json`), 400)

	token := login(t, ts, "ann")
	text := checkRoute(t, ts, "GET", "/-/whoami", token, nil, 200)
	if !strings.Contains(text, `"ann"`) {
		t.Errorf("whoami received %s", text)
	}
	checkRoute(t, ts, "GET", "/-/whoami", "", nil, 401)
	checkRoute(t, ts, "GET", "/-/whoami", "made-up", nil, 401)

	// the legacy header also works
	req, _ := http.NewRequest("GET", ts.URL+"/-/whoami", nil)
	req.Header.Set("X-Api-Key", token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("X-Api-Key: received status %d", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ann := login(t, ts, "ann")
	ann2 := login(t, ts, "ann")
	bob := login(t, ts, "bob")
	cat := login(t, ts, "cat")

	// bob may not revoke ann's token, but cat may
	checkRoute(t, ts, "DELETE", "/-/user/token/"+ann2, bob, nil, 403)
	checkRoute(t, ts, "DELETE", "/-/user/token/"+ann2, cat, nil, 200)
	checkRoute(t, ts, "GET", "/-/whoami", ann2, nil, 401)

	checkRoute(t, ts, "DELETE", "/-/user/token/"+ann, ann, nil, 200)
	checkRoute(t, ts, "GET", "/-/whoami", ann, nil, 401)
	checkRoute(t, ts, "GET", "/-/whoami", bob, nil, 200)
}

func TestPublishAndFetch(t *testing.T) {
	_, ts := newTestServer(t, nil)
	token := login(t, ts, "ann")
	content := []byte("pretend this is a gzipped tarball of elephant-sample")

	checkRoute(t, ts, "GET", "/elephant-sample", "", nil, 404)
	checkRoute(t, ts, "PUT", "/elephant-sample", token, publishBody("elephant-sample", "1.0.0", content, ""), 200)

	text := checkRoute(t, ts, "GET", "/elephant-sample", "", nil, 200)
	m := new(packages.Metadata)
	err := json.Unmarshal([]byte(text), m)
	if err != nil {
		t.Fatal(err)
	}
	if m.DistTags["latest"] != "1.0.0" || m.Versions["1.0.0"] == nil {
		t.Fatalf("Received %s", text)
	}
	if m.Versions["1.0.0"].Dist.Shasum != sha1string(content) {
		t.Errorf("Received shasum %s", m.Versions["1.0.0"].Dist.Shasum)
	}
	if strings.Contains(text, "_attachments") {
		t.Errorf("attachments were stored: %s", text)
	}
	if !strings.Contains(text, "a package for testing") {
		t.Errorf("description was lost: %s", text)
	}

	tarball := checkRoute(t, ts, "GET", "/elephant-sample/-/elephant-sample-1.0.0.tgz", "", nil, 200)
	if sha1string([]byte(tarball)) != sha1string(content) {
		t.Errorf("Received tarball %q", tarball)
	}
	checkRoute(t, ts, "GET", "/elephant-sample/-/elephant-sample-2.0.0.tgz", "", nil, 404)

	resp := sendRequest(t, ts, "HEAD", "/elephant-sample/-/elephant-sample-1.0.0.tgz", "", nil)
	resp.Body.Close()
	if resp.StatusCode != 200 || resp.ContentLength != int64(len(content)) {
		t.Errorf("HEAD received %d length %d", resp.StatusCode, resp.ContentLength)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/elephant-sample/-/elephant-sample-1.0.0.tgz", nil)
	req.Header.Set("Range", "bytes=0-7")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	part, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 206 || string(part) != string(content[:8]) {
		t.Errorf("Range received %d %q", resp.StatusCode, part)
	}

	text = checkRoute(t, ts, "GET", "/elephant-sample/latest", "", nil, 200)
	if !strings.Contains(text, `"1.0.0"`) {
		t.Errorf("Received %s", text)
	}
	checkRoute(t, ts, "GET", "/elephant-sample/9.9.9", "", nil, 404)

	// a second version is merged in
	checkRoute(t, ts, "PUT", "/elephant-sample", token, publishBody("elephant-sample", "1.1.0", []byte("version 1.1.0"), ""), 200)
	text = checkRoute(t, ts, "GET", "/elephant-sample", "", nil, 200)
	m = new(packages.Metadata)
	_ = json.Unmarshal([]byte(text), m)
	if len(m.Versions) != 2 || m.DistTags["latest"] != "1.1.0" {
		t.Errorf("Received %s", text)
	}
}

func TestPublishRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ann := login(t, ts, "ann")
	bob := login(t, ts, "bob")
	content := []byte("elephant bytes")
	body := publishBody("elephant", "1.0.0", content, "")

	checkRoute(t, ts, "PUT", "/elephant", "", body, 401)
	checkRoute(t, ts, "PUT", "/elephant", "made-up", body, 401)
	checkRoute(t, ts, "PUT", "/elephant", bob, body, 403)
	text := checkRoute(t, ts, "PUT", "/elephant", ann, publishBody("elephant", "1.0.0", content, "13ac99afb9147d64649e62077a192f32b37c846d"), 400)
	if !strings.Contains(text, "checksum") {
		t.Errorf("Received %s, expected a checksum error", text)
	}
	checkRoute(t, ts, "PUT", "/elephant", ann, []byte(`{"name": `), 400)
	// the token is checked before the body is looked at
	checkRoute(t, ts, "PUT", "/elephant", "", []byte(`{"name": `), 401)
	checkRoute(t, ts, "PUT", "/elephant", "made-up", []byte("not json at all"), 401)
	checkRoute(t, ts, "PUT", "/elephant", bob, []byte(`{"name": `), 403)

	// nothing was stored by any of them
	text = checkRoute(t, ts, "GET", "/elephant", "", nil, 404)
	if !strings.Contains(text, `"error"`) {
		t.Errorf("Received %s", text)
	}
	checkRoute(t, ts, "GET", "/elephant/-/elephant-1.0.0.tgz", "", nil, 404)

	checkRoute(t, ts, "PUT", "/elephant", ann, body, 200)
	// same content again is fine, different content is a conflict
	checkRoute(t, ts, "PUT", "/elephant", ann, body, 200)
	checkRoute(t, ts, "PUT", "/elephant", ann, publishBody("elephant", "1.0.0", []byte("other bytes"), ""), 409)

	tarball := checkRoute(t, ts, "GET", "/elephant/-/elephant-1.0.0.tgz", "", nil, 200)
	if tarball != string(content) {
		t.Errorf("Received %q", tarball)
	}
}

func TestPublishNamedByDocument(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ann := login(t, ts, "ann")
	body := publishBody("elephant-sample", "1.0.0", []byte("elephant bytes"), "")

	text := checkRoute(t, ts, "PUT", "/mocha", ann, body, 200)
	if !strings.Contains(text, `"id":"elephant-sample"`) {
		t.Errorf("Received %s", text)
	}
	checkRoute(t, ts, "GET", "/elephant-sample", "", nil, 200)
	checkRoute(t, ts, "GET", "/elephant-sample/-/elephant-sample-1.0.0.tgz", "", nil, 200)
	checkRoute(t, ts, "GET", "/mocha", "", nil, 404)
}

func TestPublishTooLarge(t *testing.T) {
	_, ts := newTestServer(t, func(s *RESTServer) {
		s.MaxPublishSize = 100
	})
	ann := login(t, ts, "ann")
	checkRoute(t, ts, "PUT", "/elephant", ann, publishBody("elephant", "1.0.0", bytes.Repeat([]byte("x"), 200), ""), 413)
}

func TestScopedPackages(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ann := login(t, ts, "ann")
	content := []byte("scoped elephant")
	checkRoute(t, ts, "PUT", "/@zoo%2felephant", ann, publishBody("@zoo/elephant", "2.0.0", content, ""), 200)

	for _, route := range []string{"/@zoo%2felephant", "/@zoo/elephant"} {
		text := checkRoute(t, ts, "GET", route, "", nil, 200)
		if !strings.Contains(text, `"@zoo/elephant"`) {
			t.Errorf("%s: received %s", route, text)
		}
	}
	tarball := checkRoute(t, ts, "GET", "/@zoo/elephant/-/elephant-2.0.0.tgz", "", nil, 200)
	if tarball != string(content) {
		t.Errorf("Received %q", tarball)
	}
}

func TestTarballCache(t *testing.T) {
	blobs := store.NewMemory()
	cache := blobcache.NewLRU(store.NewMemory(), 1000)
	_, ts := newTestServer(t, func(s *RESTServer) {
		s.Blobs = blobs
		s.TarballCache = cache
	})
	ann := login(t, ts, "ann")
	content := []byte("zebra stripes")
	checkRoute(t, ts, "PUT", "/zebra", ann, publishBody("zebra", "1.0.0", content, ""), 200)

	key := packages.TarballKey("zebra", "zebra-1.0.0.tgz")
	if cache.Contains(key) {
		t.Errorf("publish filled the cache")
	}
	tarball := checkRoute(t, ts, "GET", "/zebra/-/zebra-1.0.0.tgz", "", nil, 200)
	if tarball != string(content) {
		t.Errorf("Received %q", tarball)
	}
	if !cache.Contains(key) {
		t.Fatalf("tarball was not cached")
	}

	// served from the cache once the blob store loses it
	blobs.Delete(key)
	tarball = checkRoute(t, ts, "GET", "/zebra/-/zebra-1.0.0.tgz", "", nil, 200)
	if tarball != string(content) {
		t.Errorf("Received %q", tarball)
	}
	checkRoute(t, ts, "GET", "/zebra/-/zebra-2.0.0.tgz", "", nil, 404)
}

func TestPublicURL(t *testing.T) {
	_, ts := newTestServer(t, func(s *RESTServer) {
		s.PublicURL = "https://npm.example.edu/"
	})
	ann := login(t, ts, "ann")
	checkRoute(t, ts, "PUT", "/elephant", ann, publishBody("elephant", "1.0.0", []byte("bytes"), ""), 200)
	text := checkRoute(t, ts, "GET", "/elephant", "", nil, 200)
	if !strings.Contains(text, "https://npm.example.edu/elephant/-/elephant-1.0.0.tgz") {
		t.Errorf("Received %s", text)
	}
	text = checkRoute(t, ts, "GET", "/elephant/1.0.0", "", nil, 200)
	if !strings.Contains(text, "https://npm.example.edu/elephant/-/elephant-1.0.0.tgz") {
		t.Errorf("Received %s", text)
	}
}

func TestRequireReadAuth(t *testing.T) {
	_, ts := newTestServer(t, func(s *RESTServer) {
		s.RequireReadAuth = true
	})
	ann := login(t, ts, "ann")
	bob := login(t, ts, "bob")
	checkRoute(t, ts, "PUT", "/elephant", ann, publishBody("elephant", "1.0.0", []byte("bytes"), ""), 200)
	checkRoute(t, ts, "GET", "/elephant", "", nil, 401)
	checkRoute(t, ts, "GET", "/elephant/-/elephant-1.0.0.tgz", "", nil, 401)
	checkRoute(t, ts, "GET", "/elephant", bob, nil, 200)
	checkRoute(t, ts, "GET", "/elephant/-/elephant-1.0.0.tgz", bob, nil, 200)
	// the welcome page stays open
	checkRoute(t, ts, "GET", "/", "", nil, 200)
}

func TestMetadataCompressed(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ann := login(t, ts, "ann")
	// enough versions to be worth compressing
	for i := 0; i < 20; i++ {
		v := fmt.Sprintf("1.0.%d", i)
		checkRoute(t, ts, "PUT", "/elephant", ann, publishBody("elephant", v, []byte("bytes of "+v), ""), 200)
	}
	req, _ := http.NewRequest("GET", ts.URL+"/elephant", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 || resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Received status %d encoding %q", resp.StatusCode, resp.Header.Get("Content-Encoding"))
	}
}

func TestNobodyServer(t *testing.T) {
	s := &RESTServer{}
	err := s.Init()
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	// any token will do
	checkRoute(t, ts, "PUT", "/elephant", "x", publishBody("elephant", "1.0.0", []byte("bytes"), ""), 200)
	text := checkRoute(t, ts, "GET", "/-/whoami", "x", nil, 200)
	if !strings.Contains(text, "nobody") {
		t.Errorf("Received %s", text)
	}
}
