package server

import (
	"log"
	"time"

	"github.com/BurntSushi/migration"

	"github.com/ndlib/npmstore/packages"
)

// A database holds everything the server keeps outside the blob store: the
// package documents (unless the documents are kept in a store), the issued
// tokens, and the fixity schedule.
type database interface {
	packages.Repository
	TokenStore
	FixityDB
}

// A TokenStore keeps the tokens handed out at login.
type TokenStore interface {
	// SaveToken records a new token for the given identity.
	SaveToken(token string, id packages.Identity, created time.Time) error
	// LookupToken returns the identity for token. The bool is false if
	// the token is unknown.
	LookupToken(token string) (packages.Identity, bool, error)
	// DeleteToken removes a token. It is not an error if it did not exist.
	DeleteToken(token string) error
}

// openDatabase connects to MySQL if mysql is not empty. Otherwise an embedded
// QL database in the file qlpath is used. The special path "memory" keeps
// the database in memory.
func openDatabase(mysql, qlpath string) (database, error) {
	if mysql != "" {
		log.Printf("Using MySQL")
		return NewMysqlCache(mysql)
	}
	log.Printf("Using internal database at %s", qlpath)
	return NewQlCache(qlpath)
}

// we need to adapt the migration version functions to work with MySQL and QL
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version int
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}
