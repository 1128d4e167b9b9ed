//go:build integration
// +build integration

package server

import (
	"flag"
	"testing"
)

// To run these against a local MySQL:
//
//    go test -tags=integration ./server -mysql "/test"
//
// The tests expect an empty database.

var dialmysql = flag.String("mysql", "/test", "Dial for mysql")

func newMysql(t *testing.T) *msqlCache {
	qc, err := NewMysqlCache(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	return qc
}

func TestMySQLRepository(t *testing.T) {
	runRepository(t, newMysql(t))
}

func TestMySQLTokens(t *testing.T) {
	runTokenStore(t, newMysql(t))
}

func TestMySQLFixity(t *testing.T) {
	qc := newMysql(t)
	runFixitySequence(t, qc)
	runDeleteFixity(t, qc)
}
