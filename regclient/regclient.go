package regclient

import (
	"crypto/tls"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/certifi/gocertifi"
	"github.com/pkg/errors"
)

// A Connection represents a connection with an npm registry.
// It can be shared between multiple goroutines.
type Connection struct {
	// The registry this connection is to, e.g. "https://npm.example.edu"
	HostURL string

	// Token is sent with every request. Login sets it.
	Token string

	// Timeout for each request. Default is 10 minutes.
	Timeout time.Duration

	m      sync.Mutex
	client *http.Client
}

// Exported errors
var (
	ErrNotFound         = errors.New("Package Not Found")
	ErrNotAuthorized    = errors.New("Access Denied")
	ErrForbidden        = errors.New("Forbidden")
	ErrBadRequest       = errors.New("Bad Request")
	ErrConflict         = errors.New("Version Already Published")
	ErrTooLarge         = errors.New("Request Too Large")
	ErrChecksumMismatch = errors.New("Checksum mismatch")
	ErrServerError      = errors.New("Server Error")
	ErrUnexpectedResp   = errors.New("Unexpected Response Code")
)

// do performs an http request using our client with a timeout. The
// timeout is arbitrary, and is just there so we don't hang indefinitely
// should the server never close the connection.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.httpClient().Do(req)
}

// httpClient makes our client the first time it is needed. Server
// certificates are checked against the Mozilla root certificates rather
// than the ones installed on the machine.
func (c *Connection) httpClient() *http.Client {
	c.m.Lock()
	defer c.m.Unlock()
	if c.client == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 10 * time.Minute // arbitrary
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		pool, err := gocertifi.CACerts()
		if err != nil {
			log.Println("Loading root certificates:", err)
		} else {
			transport.TLSClientConfig = &tls.Config{RootCAs: pool}
		}
		c.client = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
	return c.client
}

// packagePath is the path of the document of package name. The slash in a
// scoped name is escaped, the way npm does.
func packagePath(name string) string {
	return "/" + url.PathEscape(name)
}

// tarballPath is the path of the tarball filename of package name.
func tarballPath(name, filename string) string {
	return "/" + name + "/-/" + url.PathEscape(filename)
}

// responseError turns an unsuccessful response into an error. The message
// the server put in the body is kept.
func responseError(resp *http.Response) error {
	var kind error
	switch resp.StatusCode {
	case 400:
		kind = ErrBadRequest
	case 401:
		kind = ErrNotAuthorized
	case 403:
		kind = ErrForbidden
	case 404:
		kind = ErrNotFound
	case 409:
		kind = ErrConflict
	case 413:
		kind = ErrTooLarge
	default:
		if resp.StatusCode >= 500 {
			kind = ErrServerError
		} else {
			kind = ErrUnexpectedResp
		}
	}
	v, err := jason.NewObjectFromReader(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return errors.Wrapf(kind, "status %d", resp.StatusCode)
	}
	msg, _ := v.GetString("error")
	if strings.Contains(msg, "checksum mismatch") {
		kind = ErrChecksumMismatch
	}
	return errors.Wrap(kind, msg)
}

func (c *Connection) doJasonGet(path string) (*jason.Object, error) {
	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return jason.NewObjectFromReader(resp.Body)
}

// get performs a GET on path. Any response other than a 200 is turned into
// an error. The caller must close the body of the response.
func (c *Connection) get(path string) (*http.Response, error) {
	req, err := http.NewRequest("GET", c.HostURL+path, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

// doJason sends body with the given method, and decodes the response if
// it has the expected status.
func (c *Connection) doJason(method, path string, body io.Reader, expstatus int) (*jason.Object, error) {
	req, err := http.NewRequest(method, c.HostURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != expstatus {
		log.Printf("Received HTTP status %d for %s %s", resp.StatusCode, method, path)
		return nil, responseError(resp)
	}
	return jason.NewObjectFromReader(resp.Body)
}
