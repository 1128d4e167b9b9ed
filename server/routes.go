package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"
	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/blobcache"
	"github.com/ndlib/npmstore/packages"
	"github.com/ndlib/npmstore/store"
	"github.com/ndlib/npmstore/util"
)

// RESTServer holds the configuration for an npm registry server.
//
// Set all the public fields and then call Run. Run will listen on the given
// port and handle requests. Do not change any fields after calling Init or
// Run.
//
// Run will also start the goroutines doing fixity checking, if FixityRate
// is not zero.
//
// It should be enough to set Blobs and Users. The other fields are exposed to
// allow more customization.
type RESTServer struct {
	// Port number to listen on. defaults to 4873
	PortNumber string
	PProfPort  string

	// Blobs holds the package tarballs. If nil everything is kept in
	// memory and is lost when the server exits.
	Blobs store.Store

	// Metadata holds the package documents. If nil they are kept in the
	// database.
	Metadata packages.Repository

	// Pass in a dial command to use a MySQL server as a database.
	// Otherwise a lightweight internal database is used, saved in the file
	// DBPath. If DBPath is empty or the special value "memory" the
	// database is kept entirely inside the server's memory (useful for
	// testing).
	// e.g. "user:password@tcp(localhost:5555)/dbname" or just "/dbname"
	// if everything else can be the default. Can also use domain sockets:
	// "user@unix(/path/to/socket)/dbname"
	MySQL  string
	DBPath string

	// Users are the people allowed to log in. If both Users and Auth are
	// nil, every request is made by "nobody" having the Admin role.
	Users *UserList

	// PublicURL is the base address clients use to reach this server.
	// Tarball addresses in the package documents served are rewritten to
	// begin with it. If empty, the addresses are served as published.
	PublicURL string

	// RequireReadAuth makes reading packages need a token having at least
	// the Read role. Otherwise anyone may read.
	RequireReadAuth bool

	// The largest publish request accepted, in bytes. Default 100 MB.
	MaxPublishSize int64

	// The number of publish requests handled at the same time. The others
	// wait. Default 4.
	MaxConcurrentPublish int

	// Rate to read back tarballs to verify them, in MB/hour. 0 disables
	// the checking.
	FixityRate int64

	// --- The following fields are more advanced and only need to be
	// set in special situations. ---

	// TarballCache, if set, keeps copies of downloaded tarballs. Useful
	// when Blobs is remote.
	TarballCache blobcache.Cache

	// Auth validates tokens. If nil one is made from Users.
	Auth packages.CredentialAuthority

	Clock clock.Clock  // Default clock.New()
	Stats stats.Client // Default records into expvar

	db           database
	registry     *packages.Registry
	publishGate  *util.Gate
	handler      http.Handler
	server       httpdown.Server // used to close our listening socket
	fixityCancel context.CancelFunc
	fixityRate   *util.Throttle
	fixitywg     sync.WaitGroup
}

const (
	defaultPublishSize = 100 * 1000 * 1000
	defaultConcurrent  = 4
)

// Init sets up the database, the registry, and the routes. It is called by
// Run, and only needs to be called directly when the server is going to be
// used through Handler.
func (s *RESTServer) Init() error {
	if s.handler != nil {
		return nil
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.Stats == nil {
		s.Stats = newExpvarStats()
	}
	if s.MaxPublishSize <= 0 {
		s.MaxPublishSize = defaultPublishSize
	}
	if s.MaxConcurrentPublish <= 0 {
		s.MaxConcurrentPublish = defaultConcurrent
	}

	// init database
	path := s.DBPath
	if path == "" {
		path = "memory"
	}
	db, err := openDatabase(s.MySQL, path)
	if err != nil {
		return errors.Wrap(err, "problem setting up database")
	}
	s.db = db

	if s.Blobs == nil {
		log.Println("No blob store given. Tarballs are kept in memory")
		s.Blobs = store.NewMemory()
	}
	if s.Metadata == nil {
		s.Metadata = db
	}
	if s.Auth == nil {
		if s.Users == nil {
			log.Println("No user list given")
			s.Auth = NewNobodyAuthority()
		} else {
			s.Auth = &TokenAuthority{Users: s.Users, Tokens: db, Clock: s.Clock}
		}
	}
	s.registry = packages.NewRegistry(s.Metadata, s.Blobs, s.Auth)
	s.registry.Clock = s.Clock
	s.registry.Stats = s.Stats
	s.publishGate = util.NewGate(s.MaxConcurrentPublish)
	s.handler = s.addRoutes()
	return nil
}

// Handler returns the handler for the API. Init must have been called.
func (s *RESTServer) Handler() http.Handler {
	return s.handler
}

// Run initializes and starts all the goroutines used by the server. It then
// blocks listening for and handling http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting npmstore version %s", Version)
	log.Printf("PublicURL = %s", s.PublicURL)
	log.Printf("RequireReadAuth = %v", s.RequireReadAuth)

	if s.PortNumber == "" {
		s.PortNumber = "4873"
	}
	err := s.Init()
	if err != nil {
		log.Println(err)
		return err
	}

	s.StartFixity()

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{
		StopTimeout: 30 * time.Second,
		KillTimeout: 10 * time.Second,
		Stats:       s.Stats,
		Clock:       s.Clock,
	}
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.handler,
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop will stop the server and return when all the server goroutines have
// exited and the socket closed. Publishes waiting to start are refused.
func (s *RESTServer) Stop() error {
	if s.publishGate != nil {
		s.publishGate.Stop()
	}
	s.StopFixity()

	// then shutdown all the HTTP connections
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

type routeKey struct {
	method string
	kind   routeKind
}

func (s *RESTServer) addRoutes() http.Handler {
	readRole := packages.RoleUnknown
	if s.RequireReadAuth {
		readRole = packages.RoleRead
	}
	var routes = []struct {
		method  string
		kind    routeKind
		role    packages.Role // RoleUnknown means no token is needed to access
		handler httprouter.Handle
	}{
		{"GET", routeWelcome, packages.RoleUnknown, WelcomeHandler},
		{"GET", routePing, packages.RoleUnknown, PingHandler},
		{"GET", routeVars, packages.RoleUnknown, VarHandler}, // standard route for expvars data

		// users and tokens
		{"PUT", routeLogin, packages.RoleUnknown, s.LoginHandler},
		{"GET", routeWhoami, packages.RoleRead, WhoamiHandler},
		{"DELETE", routeToken, packages.RoleRead, s.LogoutHandler},

		// fixity routes
		{"GET", routeFixity, packages.RoleRead, s.SearchFixityHandler},
		{"GET", routeFixityPackage, packages.RoleRead, s.GetFixityHandler},
		{"PUT", routeFixityPackage, packages.RoleAdmin, s.ScheduleFixityHandler},

		// packages
		{"GET", routePackage, readRole, gzipWrapper(s.MetadataHandler)},
		{"GET", routeVersion, readRole, gzipWrapper(s.VersionHandler)},
		{"GET", routeTarball, readRole, s.TarballHandler},
		{"HEAD", routeTarball, readRole, s.TarballHandler},
		// checked before the body is read; the registry checks it again
		{"PUT", routePackage, packages.RoleWrite, s.PublishHandler},
	}

	table := make(map[routeKey]httprouter.Handle)
	for _, route := range routes {
		table[routeKey{route.method, route.kind}] = logWrapper(s.authzWrapper(route.handler, route.role))
	}

	// npm puts package names, which may contain a slash, directly after
	// the root, which httprouter cannot express. So every request goes
	// to one catch-all route, and ParsePath sorts them out.
	dispatch := func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		p := ParsePath(r.URL.EscapedPath())
		handler, ok := table[routeKey{r.Method, p.Kind}]
		if !ok {
			log.Println(r.Method, r.URL, "no route")
			writeError(w, errors.Wrapf(packages.ErrNotFound, "no route for %s %s", r.Method, r.URL.Path))
			return
		}
		handler(w, r, httprouter.Params{
			{Key: "name", Value: p.Name},
			{Key: "arg", Value: p.Arg},
		})
	}
	r := httprouter.New()
	for _, method := range []string{"GET", "HEAD", "PUT", "DELETE"} {
		r.Handle(method, "/*path", dispatch)
	}
	return r
}

// General route handlers and convinence functions

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// requestToken returns the bearer token of the request, if any. The
// X-Api-Key header is also accepted.
func requestToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.Header.Get("X-Api-Key")
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The parameters "username", "role", and
// "token" are added for the handler.
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole packages.Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := requestToken(r)
		var id packages.Identity
		if leastRole > packages.RoleUnknown {
			var err error
			id, err = s.Auth.Validate(r.Context(), token)
			if err != nil {
				if packages.Kind(err) == nil {
					err = errors.Wrap(packages.ErrUnauthorized, err.Error())
				}
				writeError(w, err)
				return
			}
			// is role valid?
			if id.Role < leastRole {
				writeError(w, errors.Wrapf(packages.ErrForbidden, "user %s has role %s", id.User, id.Role))
				return
			}
		}
		ps = append(ps,
			httprouter.Param{Key: "username", Value: id.User},
			httprouter.Param{Key: "role", Value: id.Role.String()},
			httprouter.Param{Key: "token", Value: token},
		)
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}

// gzipWrapper compresses the response when the client accepts it.
func gzipWrapper(handler httprouter.Handle) httprouter.Handle {
	h := gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, httprouter.ParamsFromContext(r.Context()))
	}))
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), httprouter.ParamsKey, ps)
		h.ServeHTTP(w, r.WithContext(ctx))
	}
}

// errorStatus gives the HTTP status for err.
func errorStatus(err error) int {
	switch packages.Kind(err) {
	case packages.ErrUnauthorized:
		return http.StatusUnauthorized
	case packages.ErrForbidden:
		return http.StatusForbidden
	case packages.ErrBadRequest, packages.ErrChecksumMismatch:
		return http.StatusBadRequest
	case packages.ErrNotFound:
		return http.StatusNotFound
	case packages.ErrVersionExists:
		return http.StatusConflict
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, util.ErrGateStopped) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return statusClientClosed
	}
	return http.StatusInternalServerError
}

// statusClientClosed is used when the client went away before we answered.
// No one will see it except the request log.
const statusClientClosed = 499

// writeError sends err to the client as {"error": "..."}.
func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="npmstore"`)
	}
	if status == http.StatusInternalServerError {
		log.Println(err)
		raven.CaptureError(err, nil)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Println("writeJSON:", err)
	}
}
