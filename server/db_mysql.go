package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"strings"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/packages"
)

// This file contains code implementing the package repository, the token
// store, and the fixity schedule using MySQL as a storage medium.

type msqlCache struct {
	db *sql.DB
}

var _ database = &msqlCache{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
	mysqlschema2,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysqlCache connects to a MySQL database and returns an item satisifying
// the Repository, TokenStore, and FixityDB interfaces.
func NewMysqlCache(dial string) (*msqlCache, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &msqlCache{db: db}, nil
}

func (ms *msqlCache) Get(ctx context.Context, name string) (*packages.Metadata, error) {
	const dbLookup = `SELECT value FROM packages WHERE name = ? LIMIT 1`

	var value string
	err := ms.db.QueryRowContext(ctx, dbLookup, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(packages.ErrNotFound, "package %s", name)
	} else if err != nil {
		return nil, errors.Wrapf(packages.ErrStorage, "mysql lookup %s: %v", name, err)
	}
	m := new(packages.Metadata)
	err = json.Unmarshal([]byte(value), m)
	if err != nil {
		return nil, errors.Wrapf(packages.ErrStorage, "mysql decode %s: %v", name, err)
	}
	return m, nil
}

// Put writes the document with a single statement, so readers see either
// the old or the new value.
func (ms *msqlCache) Put(ctx context.Context, name string, m *packages.Metadata) error {
	value, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(packages.ErrBadRequest, "encoding %s: %v", name, err)
	}
	const stmt = `INSERT INTO packages (name, modified, value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE modified=?, value=?`

	now := time.Now()
	_, err = ms.db.ExecContext(ctx, stmt, name, now, value, now, value)
	if err != nil {
		return errors.Wrapf(packages.ErrStorage, "mysql put %s: %v", name, err)
	}
	return nil
}

func (ms *msqlCache) Exists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT count(*) FROM packages WHERE name = ?`

	var n int64
	err := ms.db.QueryRowContext(ctx, query, name).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(packages.ErrStorage, "mysql exists %s: %v", name, err)
	}
	return n > 0, nil
}

func (ms *msqlCache) List(ctx context.Context) ([]string, error) {
	const query = `SELECT name FROM packages ORDER BY name`

	rows, err := ms.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(packages.ErrStorage, "mysql list: %v", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return result, errors.Wrapf(packages.ErrStorage, "mysql list: %v", err)
		}
		result = append(result, name)
	}
	return result, rows.Err()
}

func (ms *msqlCache) SaveToken(token string, id packages.Identity, created time.Time) error {
	const query = `INSERT INTO tokens (token, username, role, created) VALUES (?,?,?,?)`

	_, err := ms.db.Exec(query, token, id.User, int(id.Role), created)
	return err
}

func (ms *msqlCache) LookupToken(token string) (packages.Identity, bool, error) {
	const query = `SELECT username, role FROM tokens WHERE token = ? LIMIT 1`

	var id packages.Identity
	var role int
	err := ms.db.QueryRow(query, token).Scan(&id.User, &role)
	if err == sql.ErrNoRows {
		return id, false, nil
	} else if err != nil {
		return id, false, err
	}
	id.Role = packages.Role(role)
	return id, true, nil
}

func (ms *msqlCache) DeleteToken(token string) error {
	const query = `DELETE FROM tokens WHERE token = ?`

	_, err := ms.db.Exec(query, token)
	return err
}

func (ms *msqlCache) NextFixity(cutoff time.Time) int64 {
	const query = `
		SELECT id
		FROM fixity
		WHERE status = "scheduled" AND scheduled_time <= ?
		ORDER BY scheduled_time
		LIMIT 1`

	var id int64
	err := ms.db.QueryRow(query, cutoff).Scan(&id)
	if err == sql.ErrNoRows {
		// no next record
		return 0
	} else if err != nil {
		log.Println("nextfixity", err.Error())
		return 0
	}
	return id
}

func (ms *msqlCache) GetFixity(id int64) *Fixity {
	const query = `
		SELECT id, package_name, scheduled_time, status, notes
		FROM fixity
		WHERE id = ?
		LIMIT 1`

	var record Fixity
	var when mysql.NullTime
	err := ms.db.QueryRow(query, id).Scan(&record.ID, &record.Package, &when, &record.Status, &record.Notes)
	if err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		log.Println("GetFixity", err.Error())
		return nil
	}
	if when.Valid {
		record.ScheduledTime = when.Time
	}
	return &record
}

func (ms *msqlCache) SearchFixity(start, end time.Time, name string, status string) []*Fixity {
	var conditions []string
	var args []interface{}
	if !start.IsZero() {
		conditions = append(conditions, "scheduled_time >= ?")
		args = append(args, start)
	}
	if !end.IsZero() {
		conditions = append(conditions, "scheduled_time <= ?")
		args = append(args, end)
	}
	if name != "" {
		conditions = append(conditions, "package_name = ?")
		args = append(args, name)
	}
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	query := `SELECT id, package_name, scheduled_time, status, notes FROM fixity`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY scheduled_time LIMIT 1000"

	rows, err := ms.db.Query(query, args...)
	if err != nil {
		log.Println("SearchFixity", err.Error())
		return nil
	}
	defer rows.Close()
	var result []*Fixity
	for rows.Next() {
		record := new(Fixity)
		var when mysql.NullTime
		err := rows.Scan(&record.ID, &record.Package, &when, &record.Status, &record.Notes)
		if err != nil {
			log.Println("SearchFixity", err.Error())
			break
		}
		if when.Valid {
			record.ScheduledTime = when.Time
		}
		result = append(result, record)
	}
	return result
}

func (ms *msqlCache) UpdateFixity(record Fixity) (int64, error) {
	if record.Status == "" {
		record.Status = "scheduled"
	}
	if record.ID == 0 {
		const query = `INSERT INTO fixity (package_name, scheduled_time, status, notes) VALUES (?,?,?,?)`
		result, err := ms.db.Exec(query, record.Package, record.ScheduledTime, record.Status, record.Notes)
		if err != nil {
			return 0, err
		}
		return result.LastInsertId()
	}
	const query = `
		UPDATE fixity
		SET scheduled_time = ?, status = ?, notes = ?
		WHERE id = ? AND status = "scheduled"`
	_, err := ms.db.Exec(query, record.ScheduledTime, record.Status, record.Notes, record.ID)
	return record.ID, err
}

func (ms *msqlCache) DeleteFixity(id int64) error {
	const query = `DELETE FROM fixity WHERE id = ? AND status = "scheduled"`

	_, err := ms.db.Exec(query, id)
	return err
}

func (ms *msqlCache) LookupCheck(name string) (time.Time, error) {
	const query = `
		SELECT scheduled_time
		FROM fixity
		WHERE package_name = ? AND status = "scheduled"
		ORDER BY scheduled_time
		LIMIT 1`

	var when mysql.NullTime
	err := ms.db.QueryRow(query, name).Scan(&when)
	if err == sql.ErrNoRows {
		err = nil
	}
	if when.Valid {
		return when.Time, err
	}
	return time.Time{}, err
}

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS packages (
		id int PRIMARY KEY AUTO_INCREMENT,
		name varchar(255),
		modified datetime,
		value LONGTEXT,
		UNIQUE INDEX packages_name (name))`,

		`CREATE TABLE IF NOT EXISTS fixity (
		id int PRIMARY KEY AUTO_INCREMENT,
		package_name varchar(255),
		scheduled_time datetime,
		status varchar(32),
		notes text,
		INDEX fixity_package (package_name),
		INDEX fixity_time (scheduled_time))`,
	}
	return execlist(tx, s)
}

func mysqlschema2(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS tokens (
		token varchar(64) PRIMARY KEY,
		username varchar(255),
		role int,
		created datetime)`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
