package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/packages"
	"github.com/ndlib/npmstore/util"
)

// Fixity is one check of the tarballs of a package, either scheduled or
// already done.
type Fixity struct {
	ID            int64     `json:"id"`
	Package       string    `json:"package"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        string    `json:"status"` // one of "scheduled", "ok", "error", "mismatch"
	Notes         string    `json:"notes"`
}

// FixityDB is the interface to the database recording past and scheduled
// fixity checks.
type FixityDB interface {
	// NextFixity returns the id of the earliest scheduled check at or
	// before cutoff, or 0 if there is none.
	NextFixity(cutoff time.Time) int64
	// GetFixity returns the record with the given id, or nil.
	GetFixity(id int64) *Fixity
	// SearchFixity returns every record matching the arguments. Zero
	// times and empty strings match everything.
	SearchFixity(start, end time.Time, name string, status string) []*Fixity
	// UpdateFixity adds the record if its ID is 0. Otherwise the record is
	// changed, provided it is still scheduled. The record id is returned.
	UpdateFixity(record Fixity) (int64, error)
	// DeleteFixity removes a record, provided it is still scheduled.
	DeleteFixity(id int64) error
	// LookupCheck returns the time of the earliest scheduled check for
	// package, or the zero time if none is scheduled.
	LookupCheck(name string) (time.Time, error)
}

var (
	// do not checksum a package any more often than every 6 months
	minDurationChecksum = 180 * 24 * time.Hour

	// how long to wait when there is nothing to check
	fixityIdle = 10 * time.Minute

	// how often to look for packages without a scheduled check
	fixityScanInterval = 6 * time.Hour
)

// StartFixity starts the background goroutines which read back every
// stored tarball and compare it to its recorded shasum. The rate is
// FixityRate MB/hour. Nothing is started if the rate is 0.
func (s *RESTServer) StartFixity() {
	if s.FixityRate <= 0 {
		log.Println("Fixity checking disabled")
		return
	}
	log.Printf("Starting fixity checks at %d MB/hour", s.FixityRate)
	var ctx context.Context
	ctx, s.fixityCancel = context.WithCancel(context.Background())
	s.fixityRate = util.NewThrottle(float64(s.FixityRate)*1000000/3600, s.Clock)
	s.fixitywg.Add(2)
	go s.fixityScanner(ctx)
	go s.fixityWorker(ctx)
}

// StopFixity halts the background fixity checking and waits for it to exit.
// A check in progress is abandoned and stays scheduled.
func (s *RESTServer) StopFixity() {
	if s.fixityCancel == nil {
		return
	}
	s.fixityCancel()
	s.fixityRate.Stop()
	s.fixitywg.Wait()
	s.fixityCancel = nil
}

func (s *RESTServer) fixityWorker(ctx context.Context) {
	defer s.fixitywg.Done()
	for {
		if !s.checkNext(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-s.Clock.After(fixityIdle):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// fixityScanner makes sure every package has a check scheduled.
func (s *RESTServer) fixityScanner(ctx context.Context) {
	defer s.fixitywg.Done()
	tick := s.Clock.Ticker(fixityScanInterval)
	defer tick.Stop()
	for {
		s.scheduleMissing(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (s *RESTServer) scheduleMissing(ctx context.Context) {
	names, err := s.Metadata.List(ctx)
	if err != nil {
		log.Println("fixity scan:", err)
		return
	}
	now := s.Clock.Now()
	var n int
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		when, err := s.db.LookupCheck(name)
		if err != nil {
			log.Println("fixity scan:", name, err)
			continue
		}
		if !when.IsZero() {
			continue
		}
		_, err = s.db.UpdateFixity(Fixity{Package: name, ScheduledTime: now})
		if err != nil {
			log.Println("fixity scan:", name, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Printf("fixity scan: scheduled %d packages", n)
	}
}

// checkNext runs the earliest check which is due. It returns false if there
// was nothing to do.
func (s *RESTServer) checkNext(ctx context.Context) bool {
	now := s.Clock.Now()
	id := s.db.NextFixity(now)
	if id == 0 {
		return false
	}
	record := s.db.GetFixity(id)
	if record == nil {
		return false
	}
	defer stats.BumpTime(s.Stats, "fixity.time").End()
	results, auditErr := s.registry.Audit(ctx, record.Package, s.fixityRate.Wrap)
	if ctx.Err() != nil {
		// shutting down. leave the record scheduled
		return false
	}
	record.Status, record.Notes = summarize(results, auditErr)
	record.ScheduledTime = s.Clock.Now()
	stats.BumpSum(s.Stats, "fixity."+record.Status, 1)
	log.Printf("fixity %s: %s %s", record.Package, record.Status, record.Notes)
	if record.Status != "ok" {
		raven.CaptureMessage("fixity failure", map[string]string{
			"package": record.Package,
			"status":  record.Status,
			"notes":   record.Notes,
		})
	}
	_, err := s.db.UpdateFixity(*record)
	if err != nil {
		log.Println("fixity update:", record.Package, err)
		return true
	}
	if errors.Is(auditErr, packages.ErrNotFound) {
		return true
	}
	// schedule the next check, unless someone else already has
	when, err := s.db.LookupCheck(record.Package)
	if err == nil && when.IsZero() {
		_, err = s.db.UpdateFixity(Fixity{
			Package:          record.Package,
			ScheduledTime: record.ScheduledTime.Add(minDurationChecksum),
		})
	}
	if err != nil {
		log.Println("fixity schedule:", record.Package, err)
	}
	return true
}

// summarize turns the results of an audit into a fixity status and notes.
func summarize(results []packages.AuditResult, err error) (string, string) {
	if err != nil {
		return "error", err.Error()
	}
	status := "ok"
	var notes []string
	for _, r := range results {
		switch r.Status {
		case packages.AuditOK:
			continue
		case packages.AuditMismatch:
			status = "mismatch"
		default:
			if status == "ok" {
				status = "error"
			}
		}
		note := fmt.Sprintf("%s %s %s", r.Version, r.Filename, r.Status)
		if r.Notes != "" {
			note += ": " + r.Notes
		}
		notes = append(notes, note)
	}
	if status == "ok" {
		return status, fmt.Sprintf("%d versions", len(results))
	}
	return status, strings.Join(notes, "\n")
}

// SearchFixityHandler handles GET /-/fixity. The query parameters start,
// end, package, and status narrow the search. Times are either a date
// (2006-01-02) or RFC 3339.
func (s *RESTServer) SearchFixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	start, err := timeValidate(q.Get("start"))
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := timeValidate(q.Get("end"))
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := statusValidate(q.Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := q.Get("package")
	if name == "*" {
		name = ""
	}
	writeFixity(w, s.db.SearchFixity(start, end, name, status))
}

// GetFixityHandler handles GET /-/fixity/<name>, returning every check of
// the package.
func (s *RESTServer) GetFixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeFixity(w, s.db.SearchFixity(time.Time{}, time.Time{}, ps.ByName("name"), ""))
}

// ScheduleFixityHandler handles PUT /-/fixity/<name>. Any checks already
// scheduled for the package are replaced by one due now.
func (s *RESTServer) ScheduleFixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	ok, err := s.Metadata.Exists(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	} else if !ok {
		writeError(w, errors.Wrapf(packages.ErrNotFound, "package %s", name))
		return
	}
	for _, record := range s.db.SearchFixity(time.Time{}, time.Time{}, name, "scheduled") {
		err = s.db.DeleteFixity(record.ID)
		if err != nil {
			writeError(w, errors.Wrap(packages.ErrStorage, err.Error()))
			return
		}
	}
	id, err := s.db.UpdateFixity(Fixity{Package: name, ScheduledTime: s.Clock.Now()})
	if err != nil {
		writeError(w, errors.Wrap(packages.ErrStorage, err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": id})
}

func writeFixity(w http.ResponseWriter, records []*Fixity) {
	if records == nil {
		records = []*Fixity{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(records)
}

// statusValidate checks a fixity status given in a query. The empty string
// and "*" match every status.
func statusValidate(status string) (string, error) {
	switch status {
	case "", "*":
		return "", nil
	case "ok", "scheduled", "error", "mismatch":
		return status, nil
	}
	return "", errors.Wrapf(packages.ErrBadRequest, "status %q", status)
}

// timeValidate parses a time given in a query. The empty string and "*"
// are the zero time.
func timeValidate(s string) (time.Time, error) {
	if s == "" || s == "*" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Wrapf(packages.ErrBadRequest, "time %q", s)
}
