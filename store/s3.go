package store

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
)

var (
	_ Store    = &S3{}
	_ Replacer = &S3{}
)

// ErrChanged means the object was replaced while it was being read.
var ErrChanged = errors.New("Object changed during read")

// S3 keeps its keys as objects in an S3 bucket. An object becomes visible
// only once its upload completes, so a reader never sees part of a write.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	Bucket string
	Prefix string

	// Mutable should be set for stores whose keys are regularly replaced,
	// such as metadata documents. Sizes are then never cached, and every
	// read is pinned to the ETag seen when the key was opened, so a reader
	// racing a Replace gets ErrChanged instead of a mix of two objects.
	Mutable bool

	svc      *s3.S3
	uploader *s3manager.Uploader
	sizes    *sizeCache
}

// NewS3 creates a store using the given bucket. Every key is prefixed with
// prefix, so one bucket can hold several stores, e.g. "tarballs/" and
// "packages/". The credentials in awsSession are used for all requests.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	svc := s3.New(awsSession)
	return &S3{
		Bucket:   bucket,
		Prefix:   prefix,
		svc:      svc,
		uploader: s3manager.NewUploaderWithClient(svc),
		sizes:    newSizeCache(),
	}
}

// List returns every key in the store. Objects in the bucket outside our
// Prefix are skipped.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		s.walk("", func(key string) { out <- key })
	}()
	return out
}

// ListPrefix returns the keys in the store starting with prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.walk(prefix, func(key string) { result = append(result, key) })
	return result, err
}

func (s *S3) walk(prefix string, fn func(key string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				fn(strings.TrimPrefix(aws.StringValue(item.Key), s.Prefix))
			}
			return true
		})
	if err != nil {
		s.report("list", prefix, err)
	}
	return err
}

// Open returns a reader for key. Content is fetched with ranged GETs as it
// is read.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	var size int64
	var etag *string
	var err error
	if s.Mutable {
		size, etag, err = s.head(key)
	} else {
		size, err = s.stat(key)
	}
	if err != nil {
		return nil, 0, err
	}
	r := &s3Reader{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
		size:   size,
		etag:   etag,
	}
	return r, size, nil
}

// Create returns a writer for key. It is an error if the key already exists.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	_, err := s.stat(key)
	if err == nil {
		return nil, ErrKeyExists
	} else if !IsNotExist(err) {
		return nil, err
	}
	return s.newWriter(key), nil
}

// Replace works like Create, but the key may already exist. S3 swaps in the
// new object only when the upload completes.
func (s *S3) Replace(key string) (io.WriteCloser, error) {
	return s.newWriter(key), nil
}

// Delete removes key. It is not an error to delete something that doesn't
// exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		s.report("delete", key, err)
		return err
	}
	s.sizes.Set(key, sizeMissing)
	return nil
}

// stat returns the size of key, consulting the size cache unless the store
// is Mutable.
func (s *S3) stat(key string) (int64, error) {
	if s.Mutable {
		return s.headSize(key)
	}
	return s.sizes.Get(key, s.headSize)
}

func (s *S3) headSize(key string) (int64, error) {
	size, _, err := s.head(key)
	return size, err
}

// head returns the size and ETag of key. A missing key gives ErrNotExist.
func (s *S3) head(key string) (int64, *string, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return 0, nil, errors.Wrap(ErrNotExist, key)
		}
		return 0, nil, err
	}
	return aws.Int64Value(info.ContentLength), info.ETag, nil
}

func (s *S3) report(op, key string, err error) {
	log.Println("S3", op, s.Bucket, s.Prefix, key, err)
	raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key})
}

// statusOf returns the HTTP status of a failed AWS request, or 0.
func statusOf(err error) int {
	if e, ok := err.(awserr.RequestFailure); ok {
		return e.StatusCode()
	}
	return 0
}

// s3Reader reads an object one page at a time using ranged GETs. Only the
// most recent page is kept, which suits the sequential reads made when
// serving a tarball. It is not safe to use from more than one goroutine.
type s3Reader struct {
	svc    *s3.S3
	bucket string
	key    string
	size   int64
	etag   *string // if set, reads fail with ErrChanged should the object change

	page  []byte
	start int64 // offset of page in the object
}

const s3PageSize = 8 * 1024 * 1024

func (r *s3Reader) ReadAt(p []byte, offset int64) (int, error) {
	var n int
	for n < len(p) {
		if offset >= r.size {
			return n, io.EOF
		}
		if offset < r.start || offset >= r.start+int64(len(r.page)) {
			err := r.load(offset)
			if err != nil {
				return n, err
			}
		}
		k := copy(p[n:], r.page[offset-r.start:])
		n += k
		offset += int64(k)
	}
	return n, nil
}

func (r *s3Reader) load(offset int64) error {
	end := offset + s3PageSize
	if end > r.size {
		end = r.size
	}
	out, err := r.svc.GetObject(&s3.GetObjectInput{
		Bucket:  aws.String(r.bucket),
		Key:     aws.String(r.key),
		Range:   aws.String(fmt.Sprintf("bytes=%d-%d", offset, end-1)),
		IfMatch: r.etag,
	})
	if err != nil {
		switch statusOf(err) {
		case http.StatusRequestedRangeNotSatisfiable:
			return io.EOF
		case http.StatusPreconditionFailed:
			return ErrChanged
		case http.StatusNotFound:
			return errors.Wrap(ErrNotExist, r.key)
		}
		return err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return io.ErrUnexpectedEOF
	}
	r.page = data
	r.start = offset
	return nil
}

func (r *s3Reader) Close() error {
	r.page = nil
	return nil
}

var errUploadAborted = errors.New("upload aborted")

// s3Writer streams its data to an s3manager upload running in another
// goroutine. Small objects go up in one PUT and large ones use the multipart
// interface. If the upload is aborted or fails, no object is left behind.
type s3Writer struct {
	s      *S3
	key    string
	pw     *io.PipeWriter
	done   chan error
	size   int64
	closed bool
}

func (s *S3) newWriter(key string) *s3Writer {
	s.sizes.Forget(key)
	pr, pw := io.Pipe()
	w := &s3Writer{
		s:    s,
		key:  key,
		pw:   pw,
		done: make(chan error, 1),
	}
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		// unblock the writer should the upload stop early
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w
}

func (w *s3Writer) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	w.size += int64(n)
	return n, err
}

// Close waits for the upload to finish. The object is visible once Close
// returns without error.
func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.pw.Close()
	err := <-w.done
	if err != nil {
		w.s.report("upload", w.key, err)
		return err
	}
	if !w.s.Mutable {
		w.s.sizes.Set(w.key, w.size)
	}
	return nil
}

// Abort discards the upload. Whatever was at the key before is untouched.
func (w *s3Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.pw.CloseWithError(errUploadAborted)
	<-w.done
	return nil
}
