package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/cznic/ql/driver"
	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/packages"
)

// This file implements the server database using the QL embedded database.
// It is intended for development and for small installations.

type qlCache struct {
	db *sql.DB
}

var _ database = &qlCache{}

const qlPackageInit = `
	CREATE TABLE IF NOT EXISTS packages (
		name string,
		modified time,
		value blob
	);
	CREATE UNIQUE INDEX IF NOT EXISTS packagename ON packages (name);
`

const qlTokenInit = `
	CREATE TABLE IF NOT EXISTS tokens (
		token string,
		username string,
		role int,
		created time
	);
	CREATE UNIQUE INDEX IF NOT EXISTS tokentoken ON tokens (token);
`

const qlFixityInit = `
	CREATE TABLE IF NOT EXISTS fixity (
		package_name string,
		scheduled_time time,
		status string,
		notes string
	);
	CREATE INDEX IF NOT EXISTS fixitypackage ON fixity (package_name);
	CREATE INDEX IF NOT EXISTS fixitytime ON fixity (scheduled_time);
	CREATE INDEX IF NOT EXISTS fixitystatus ON fixity (status);
`

// every in-memory database needs its own name, otherwise they are shared.
var qlMemoryCount int64

// NewQlCache opens a QL database. filename is the name of the file to save
// the database to. The filename "memory" means to keep everything in memory.
func NewQlCache(filename string) (*qlCache, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		n := atomic.AddInt64(&qlMemoryCount, 1)
		db, err = sql.Open("ql-mem", fmt.Sprintf("mem%d.db", n))
	} else {
		db, err = sql.Open("ql", filename)
	}
	for _, init := range []string{qlPackageInit, qlTokenInit, qlFixityInit} {
		if err != nil {
			break
		}
		_, err = performExec(db, init)
	}
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &qlCache{db: db}, nil
}

// Get implements packages.Repository.
func (qc *qlCache) Get(ctx context.Context, name string) (*packages.Metadata, error) {
	const dbLookup = `SELECT value FROM packages WHERE name == ?1 LIMIT 1`

	var value []byte
	err := qc.db.QueryRowContext(ctx, dbLookup, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(packages.ErrNotFound, "package %s", name)
	} else if err != nil {
		return nil, errors.Wrapf(packages.ErrStorage, "QL lookup %s: %v", name, err)
	}
	m := new(packages.Metadata)
	err = json.Unmarshal(value, m)
	if err != nil {
		return nil, errors.Wrapf(packages.ErrStorage, "QL decode %s: %v", name, err)
	}
	return m, nil
}

// Put replaces the document for name inside a single transaction.
func (qc *qlCache) Put(ctx context.Context, name string, m *packages.Metadata) error {
	const dbUpdate = `UPDATE packages SET modified = ?2, value = ?3 WHERE name == ?1`
	const dbInsert = `INSERT INTO packages VALUES (?1, ?2, ?3)`

	value, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(packages.ErrBadRequest, "encoding %s: %v", name, err)
	}
	tx, err := qc.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(packages.ErrStorage, "QL put %s: %v", name, err)
	}
	now := time.Now()
	result, err := tx.Exec(dbUpdate, name, now, value)
	var nrows int64
	if err == nil {
		nrows, err = result.RowsAffected()
	}
	if err == nil && nrows == 0 {
		// record didn't exist. create it
		_, err = tx.Exec(dbInsert, name, now, value)
	}
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(packages.ErrStorage, "QL put %s: %v", name, err)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(packages.ErrStorage, "QL put %s: %v", name, err)
	}
	return nil
}

func (qc *qlCache) Exists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT count(*) FROM packages WHERE name == ?1`

	var n int64
	err := qc.db.QueryRowContext(ctx, query, name).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(packages.ErrStorage, "QL exists %s: %v", name, err)
	}
	return n > 0, nil
}

func (qc *qlCache) List(ctx context.Context) ([]string, error) {
	const query = `SELECT name FROM packages ORDER BY name`

	rows, err := qc.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(packages.ErrStorage, "QL list: %v", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return result, errors.Wrapf(packages.ErrStorage, "QL list: %v", err)
		}
		result = append(result, name)
	}
	return result, rows.Err()
}

func (qc *qlCache) SaveToken(token string, id packages.Identity, created time.Time) error {
	const query = `INSERT INTO tokens VALUES (?1, ?2, ?3, ?4)`

	_, err := performExec(qc.db, query, token, id.User, int64(id.Role), created)
	return err
}

func (qc *qlCache) LookupToken(token string) (packages.Identity, bool, error) {
	const query = `SELECT username, role FROM tokens WHERE token == ?1 LIMIT 1`

	var id packages.Identity
	var role int64
	err := qc.db.QueryRow(query, token).Scan(&id.User, &role)
	if err == sql.ErrNoRows {
		return id, false, nil
	} else if err != nil {
		return id, false, err
	}
	id.Role = packages.Role(role)
	return id, true, nil
}

func (qc *qlCache) DeleteToken(token string) error {
	const query = `DELETE FROM tokens WHERE token == ?1`

	_, err := performExec(qc.db, query, token)
	return err
}

func (qc *qlCache) NextFixity(cutoff time.Time) int64 {
	const query = `
		SELECT id() as id, scheduled_time
		FROM fixity
		WHERE status == "scheduled" AND scheduled_time <= ?1
		ORDER BY scheduled_time
		LIMIT 1;`

	var id int64
	var when time.Time
	err := qc.db.QueryRow(query, cutoff).Scan(&id, &when)
	if err == sql.ErrNoRows {
		// no next record
		return 0
	} else if err != nil {
		log.Println("nextfixity QL", err.Error())
		return 0
	}
	return id
}

func (qc *qlCache) GetFixity(id int64) *Fixity {
	const query = `
		SELECT id(), package_name, scheduled_time, status, notes
		FROM fixity
		WHERE id() == ?1
		LIMIT 1`

	var record Fixity
	err := qc.db.QueryRow(query, id).Scan(&record.ID, &record.Package, &record.ScheduledTime, &record.Status, &record.Notes)
	if err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		log.Println("GetFixity QL", err.Error())
		return nil
	}
	return &record
}

func (qc *qlCache) SearchFixity(start, end time.Time, name string, status string) []*Fixity {
	var conditions []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if !start.IsZero() {
		add("scheduled_time >= ?%d", start)
	}
	if !end.IsZero() {
		add("scheduled_time <= ?%d", end)
	}
	if name != "" {
		add("package_name == ?%d", name)
	}
	if status != "" {
		add("status == ?%d", status)
	}
	query := `SELECT id(), package_name, scheduled_time, status, notes FROM fixity`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY scheduled_time"

	rows, err := qc.db.Query(query, args...)
	if err != nil {
		log.Println("SearchFixity QL", err.Error())
		return nil
	}
	defer rows.Close()
	var result []*Fixity
	for rows.Next() {
		record := new(Fixity)
		err := rows.Scan(&record.ID, &record.Package, &record.ScheduledTime, &record.Status, &record.Notes)
		if err != nil {
			log.Println("SearchFixity QL", err.Error())
			break
		}
		result = append(result, record)
	}
	return result
}

// UpdateFixity inserts record if its ID is 0. Otherwise the record with that
// ID is updated, but only while its status is still "scheduled".
func (qc *qlCache) UpdateFixity(record Fixity) (int64, error) {
	if record.Status == "" {
		record.Status = "scheduled"
	}
	if record.ID == 0 {
		const query = `INSERT INTO fixity VALUES (?1, ?2, ?3, ?4)`
		result, err := performExec(qc.db, query, record.Package, record.ScheduledTime, record.Status, record.Notes)
		if err != nil {
			return 0, err
		}
		return result.LastInsertId()
	}
	const query = `
		UPDATE fixity
		SET scheduled_time = ?2, status = ?3, notes = ?4
		WHERE id() == ?1 AND status == "scheduled"`
	_, err := performExec(qc.db, query, record.ID, record.ScheduledTime, record.Status, record.Notes)
	return record.ID, err
}

func (qc *qlCache) DeleteFixity(id int64) error {
	const query = `DELETE FROM fixity WHERE id() == ?1 AND status == "scheduled"`

	_, err := performExec(qc.db, query, id)
	return err
}

func (qc *qlCache) LookupCheck(name string) (time.Time, error) {
	const query = `
		SELECT scheduled_time
		FROM fixity
		WHERE package_name == ?1 AND status == "scheduled"
		ORDER BY scheduled_time ASC
		LIMIT 1`

	var when time.Time
	err := qc.db.QueryRow(query, name).Scan(&when)
	if err == sql.ErrNoRows {
		err = nil
	}
	return when, err
}

func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}
