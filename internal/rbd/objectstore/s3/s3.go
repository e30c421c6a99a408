// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements objectstore.Backend against an S3-compatible
// bucket, generalising the teacher's objproxy/s3 package (which only
// uploaded/downloaded whole objects) to the extent-level read/write/op-batch
// contract §6 requires.
//
// S3 has no native atomic multi-op or partial-object-write primitive, so
// Operate is emulated read-modify-write: fetch the current bytes (or treat
// the object as empty), apply every Op in memory in order, then overwrite
// the object. This keeps the same atomicity the rest of the core relies on
// as long as a single object's writes are serialized through one
// objectstore.Store's operate workers — which §5 already requires to avoid
// two copyups racing on the same object.
package s3

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/rbdclone/internal/rbd/extent"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
)

// S3 implements objectstore.Backend using AWS S3 (or any S3-compatible
// endpoint) as the backing bucket. HTTP connection tuning is carried
// verbatim from the teacher's objproxy/s3 package.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

// Options configures New.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			DualStack: true,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{Transport: tr}
}

// New returns an S3 backend, creating the bucket if it does not already
// exist.
func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()
	return s, err
}

func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		}
	}
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// getObject fetches the full object body, returning (nil, nil) when it does
// not exist (Operate's read-modify-write step treats absence as empty,
// distinct from Read/SparseRead which surface ErrNotFound to the caller).
func (s *S3) getObject(oid string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read implements objectstore.Backend.
func (s *S3) Read(oid string, off, length uint64) ([]byte, error) {
	to := off + length - 1
	rng := fmt.Sprintf("bytes=%d-%d", off, to)
	buf := make([]byte, length)
	w := aws.NewWriteAtBuffer(buf)

	_, err := s.downloader.Download(w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, objectstore.ErrNotFound
		}
		return nil, err
	}

	return w.Bytes(), nil
}

// SparseRead implements objectstore.Backend. S3 carries no sparseness
// metadata of its own (that lives in this core's ObjectMap, not per-byte),
// so the whole requested range is reported as one present extent.
func (s *S3) SparseRead(oid string, off, length uint64) (objectstore.SparseResult, error) {
	data, err := s.Read(oid, off, length)
	if err != nil {
		return objectstore.SparseResult{}, err
	}
	return objectstore.SparseResult{Data: data, Extents: extent.Single(off, length)}, nil
}

// Operate implements objectstore.Backend via read-modify-write; see the
// package doc comment for the atomicity argument.
func (s *S3) Operate(oid string, ops []objectstore.Op, snapSeq uint64, snaps []uint64) error {
	data, err := s.getObject(oid)
	if err != nil {
		return err
	}
	existed := data != nil

	exists := existed
	removed := false

	ensure := func(n int) {
		if len(data) < n {
			grown := make([]byte, n)
			copy(grown, data)
			data = grown
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case objectstore.OpAssertExists:
			if !exists {
				return objectstore.ErrNotFound
			}
		case objectstore.OpWrite:
			ensure(int(op.Offset) + len(op.Data))
			copy(data[op.Offset:], op.Data)
			exists = true
		case objectstore.OpZero:
			ensure(int(op.Offset + op.Length))
			for i := uint64(0); i < op.Length; i++ {
				data[op.Offset+i] = 0
			}
			exists = true
		case objectstore.OpWriteSame:
			ensure(int(op.Offset + op.Length))
			for i := uint64(0); i < op.Length; i++ {
				data[op.Offset+i] = op.Data[i%uint64(len(op.Data))]
			}
			exists = true
		case objectstore.OpCmpExt:
			if !exists || op.Offset+uint64(len(op.Data)) > uint64(len(data)) {
				return objectstore.ErrNotFound
			}
			for i, want := range op.Data {
				if data[op.Offset+uint64(i)] != want {
					return objectstore.ErrNotFound
				}
			}
		case objectstore.OpExec:
			// copyup: no-op if the object already exists.
			if !exists {
				ensure(len(op.Data))
				copy(data, op.Data)
				exists = true
			}
		case objectstore.OpSetAllocHint, objectstore.OpSetOpFlags:
			// No S3 equivalent; these are RADOS-side hints.
		case objectstore.OpRemove:
			removed = true
			exists = false
		}
	}

	if removed {
		return s.Delete(oid)
	}

	_, err = s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
		Body:   bytes.NewReader(data),
	})
	return err
}

// GetSize implements objectstore.Backend.
func (s *S3) GetSize(oid string) (int64, error) {
	head, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, objectstore.ErrNotFound
		}
		return 0, err
	}
	return *head.ContentLength, nil
}

// Delete implements objectstore.Backend.
func (s *S3) Delete(oid string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oid),
	})
	return err
}
