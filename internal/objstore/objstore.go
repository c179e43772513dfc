// Package objstore provides the object stores media is fetched from and
// trained artifacts are uploaded to: a local directory, a plain HTTP
// endpoint, or an S3 bucket.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/httputil"
	"github.com/signlearn/trainer/internal/security"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store reads and writes objects by slash-separated key.
type Store interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
}

// Local stores objects as files under Root.
type Local struct {
	FS   fsutil.FileSystem
	Root string
}

// NewLocal returns a Local store on the real filesystem.
func NewLocal(root string) *Local {
	return &Local{FS: fsutil.OSFileSystem{}, Root: root}
}

func (l *Local) path(key string) (string, error) {
	k, err := security.CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Root, filepath.FromSlash(k)), nil
}

// Get opens the file for key.
func (l *Local) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	rc, err := l.FS.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rc, err
}

// Put writes r to key, replacing any existing object atomically.
func (l *Local) Put(_ context.Context, key string, r io.Reader) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := l.FS.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return fsutil.WriteAtomic(l.FS, p, data, 0644)
}

// HTTP reads objects from BaseURL/<key>. Put issues a PUT, which suits
// pre-authorised upload endpoints.
type HTTP struct {
	Client  httputil.HTTPClient
	BaseURL string
}

func (h *HTTP) url(key string) (string, error) {
	k, err := security.CleanKey(key)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(h.BaseURL, "/") + "/" + (&url.URL{Path: k}).EscapedPath(), nil
}

// Get downloads key.
func (h *HTTP) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	u, err := h.url(key)
	if err != nil {
		return nil, err
	}
	body, err := httputil.Get(ctx, h.Client, u)
	var statusErr *httputil.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 404 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return body, err
}

// Put uploads r to key.
func (h *HTTP) Put(ctx context.Context, key string, r io.Reader) error {
	u, err := h.url(key)
	if err != nil {
		return err
	}
	return httputil.Put(ctx, h.Client, u, contentType(key), r)
}

// S3 stores objects in Bucket under Prefix.
type S3 struct {
	Client s3iface.S3API
	Bucket string
	Prefix string
}

// NewS3 builds an S3 store from the default credential chain. An empty
// region falls back to AWS_REGION and then us-east-1.
func NewS3(bucket, prefix, region string) (*S3, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &S3{
		Client: s3.New(sess, aws.NewConfig().WithRegion(region)),
		Bucket: bucket,
		Prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *S3) key(key string) (string, error) {
	k, err := security.CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.Prefix == "" {
		return k, nil
	}
	return path.Join(s.Prefix, k), nil
}

// Get streams the object body.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.key(key)
	if err != nil {
		return nil, err
	}
	out, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.Bucket, k)
		}
		return nil, fmt.Errorf("s3 get s3://%s/%s: %w", s.Bucket, k, err)
	}
	return out.Body, nil
}

// Put uploads the object. Artifacts are small, so the body is buffered to
// give the SDK a seekable reader for signing and retries.
func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(k)),
	})
	if err != nil {
		return fmt.Errorf("s3 put s3://%s/%s: %w", s.Bucket, k, err)
	}
	return nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".json":
		return "application/json"
	case ".mp4":
		return "video/mp4"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Open selects a store by URI: s3://bucket/prefix, http(s)://host/base,
// file:///dir or a bare directory path.
func Open(uri string) (Store, error) {
	if uri == "" {
		return nil, errors.New("empty store uri")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters.
		return NewLocal(uri), nil
	}
	switch u.Scheme {
	case "file":
		return NewLocal(filepath.FromSlash(u.Path)), nil
	case "http", "https":
		return &HTTP{Client: httputil.NewStandardClient(nil), BaseURL: uri}, nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 uri %q has no bucket", uri)
		}
		return NewS3(u.Host, u.Path, u.Query().Get("region"))
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
