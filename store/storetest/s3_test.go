//go:build s3
// +build s3

package storetest

// To run against a local Minio:
//
//    env "AWS_ACCESS_KEY_ID=XXXXX" "AWS_SECRET_ACCESS_KEY=YYYY" go test -tags=s3 ./store/storetest

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/ndlib/npmstore/store"
)

func getSession() *session.Session {
	// This config is for a local hosted Minio.
	s3Config := &aws.Config{
		Endpoint:         aws.String("http://localhost:9000"),
		Region:           aws.String("us-east-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	}
	return session.New(s3Config)
}

func TestS3Conformance(t *testing.T) {
	s := store.NewS3("npmstore-test", "conformance/", getSession())
	Conformance(t, s)
}

func TestS3Stress(t *testing.T) {
	s := store.NewS3("npmstore-test", "stress/", getSession())
	s.Mutable = true
	Stress(t, s, 20)
}
