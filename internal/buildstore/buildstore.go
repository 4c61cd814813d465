// internal/buildstore/buildstore.go
//
// Store issues upload targets for verified builds and fetches uploaded
// builds back for review. Builds live in one bucket under
// <prefix>/<app-id>/<uuid>.<ext>; references handed to clients are
// s3://bucket/key URLs and are only honored for that bucket and prefix.
package buildstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/keithlinneman/buildgate/internal/cryptoutil"
	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/xerrors"
)

const (
	DefaultUploadTTL = 15 * time.Minute
	// sidecar signatures are small; anything larger is not a signature
	maxSignatureBytes = 16 << 10
)

var (
	ErrInvalidRef  = errors.New("invalid build reference")
	ErrNotFound    = errors.New("build not found")
	ErrTooLarge    = errors.New("build exceeds size limit")
	ErrInvalidSize = errors.New("declared build size out of range")
	ErrSignature   = errors.New("build signature invalid")
)

// ObjectAPI is the subset of the S3 API used to read builds.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Presigner is the subset of s3.PresignClient used to issue upload URLs.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// SignatureVerifier checks a detached signature over a build.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveStorage(op, result string, seconds float64)
}

type Options struct {
	Client    ObjectAPI
	Presigner Presigner
	Bucket    string
	Prefix    string
	// MaxBytes bounds declared upload sizes and fetched builds.
	MaxBytes  int64
	UploadTTL time.Duration
	// Signatures, when set, requires a valid <key>.sig sidecar on Fetch.
	Signatures SignatureVerifier
	Logger     log.Logger
	Metrics    Metrics
	Now        func() time.Time
}

type Store struct {
	opts Options
}

func New(opts Options) (*Store, error) {
	if opts.Client == nil || opts.Presigner == nil {
		return nil, xerrors.New("buildstore: s3 client and presigner are required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("buildstore: bucket is required")
	}
	if opts.MaxBytes <= 0 {
		return nil, xerrors.New("buildstore: MaxBytes must be positive")
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = DefaultUploadTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Store{opts: opts}, nil
}

// UploadTarget is a presigned PUT bound to one object and content length.
type UploadTarget struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Key       string            `json:"key"`
	Reference string            `json:"reference_url"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// UploadURL presigns an upload of sizeBytes for appID. ext is the file
// extension without a dot, "zip" or "tar.gz".
func (s *Store) UploadURL(ctx context.Context, appID string, sizeBytes int64, ext string) (*UploadTarget, error) {
	if sizeBytes < 1 || sizeBytes > s.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidSize, sizeBytes, s.opts.MaxBytes)
	}
	contentType := "application/zip"
	switch ext {
	case "zip":
	case "tar.gz":
		contentType = "application/gzip"
	default:
		return nil, xerrors.Newf("buildstore: unsupported extension %q", ext)
	}

	key := s.objectKey(fmt.Sprintf("%s/%s.%s", appID, uuid.NewString(), ext))
	start := s.opts.Now()
	req, err := s.opts.Presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(sizeBytes),
		ContentType:   aws.String(contentType),
	}, s3.WithPresignExpires(s.opts.UploadTTL))
	s.observe("presign", err, start)
	if err != nil {
		return nil, xerrors.Wrapf(err, "presign put s3://%s/%s", s.opts.Bucket, key)
	}

	headers := map[string]string{"Content-Type": contentType}
	for name, vals := range req.SignedHeader {
		if len(vals) > 0 && !strings.EqualFold(name, "host") {
			headers[name] = vals[0]
		}
	}

	s.opts.Logger.Info(ctx, "issued build upload target", "app_id", appID, "key", key, "size_bytes", sizeBytes)
	return &UploadTarget{
		Method:    req.Method,
		URL:       req.URL,
		Headers:   headers,
		Key:       key,
		Reference: s.Reference(key),
		ExpiresAt: start.Add(s.opts.UploadTTL).UTC(),
	}, nil
}

func (s *Store) objectKey(rel string) string {
	if s.opts.Prefix == "" {
		return rel
	}
	return s.opts.Prefix + "/" + rel
}

// Reference returns the s3 URL clients use to name key.
func (s *Store) Reference(key string) string {
	return "s3://" + s.opts.Bucket + "/" + key
}

// ParseReference maps a reference URL back to an object key of this store.
func (s *Store) ParseReference(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an s3 URL", ErrInvalidRef, ref)
	}
	if u.Host != s.opts.Bucket {
		return "", fmt.Errorf("%w: bucket %q is not the build bucket", ErrInvalidRef, u.Host)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" || strings.Contains(key, "..") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: bad key in %q", ErrInvalidRef, ref)
	}
	if s.opts.Prefix != "" && !strings.HasPrefix(key, s.opts.Prefix+"/") {
		return "", fmt.Errorf("%w: key outside %s/", ErrInvalidRef, s.opts.Prefix)
	}
	return key, nil
}

// Object is a fetched build.
type Object struct {
	Reference string
	Key       string
	Data      []byte
	SHA256    string
	Signed    bool
}

// Fetch downloads the build named by ref and, when a signature verifier is
// configured, checks its sidecar signature.
func (s *Store) Fetch(ctx context.Context, ref string) (*Object, error) {
	key, err := s.ParseReference(ref)
	if err != nil {
		return nil, err
	}

	start := s.opts.Now()
	data, sum, err := s.get(ctx, key, s.opts.MaxBytes)
	s.observe("fetch", err, start)
	if err != nil {
		return nil, err
	}

	obj := &Object{Reference: ref, Key: key, Data: data, SHA256: sum}
	if s.opts.Signatures != nil {
		if err := s.verifySidecar(ctx, key, data); err != nil {
			return nil, err
		}
		obj.Signed = true
	}

	s.opts.Logger.Info(ctx, "fetched build", "key", key, "bytes", len(data), "sha256", sum, "signed", obj.Signed)
	return obj, nil
}

func (s *Store) verifySidecar(ctx context.Context, key string, data []byte) error {
	raw, _, err := s.get(ctx, key+".sig", maxSignatureBytes)
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: missing %s.sig", ErrSignature, key)
	case errors.Is(err, ErrTooLarge):
		return fmt.Errorf("%w: %s.sig is not a signature", ErrSignature, key)
	case err != nil:
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: decode %s.sig: %v", ErrSignature, key, err)
	}
	if err := s.opts.Signatures.VerifySignature(ctx, data, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// Ping reports whether the build bucket is reachable with the configured
// credentials. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	start := s.opts.Now()
	_, err := s.opts.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	s.observe("ping", err, start)
	if err != nil {
		return xerrors.Wrapf(err, "head bucket %s", s.opts.Bucket)
	}
	return nil
}

// get reads one object up to max bytes.
func (s *Store) get(ctx context.Context, key string, max int64) ([]byte, string, error) {
	out, err := s.opts.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.opts.Bucket, key)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return nil, "", fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.opts.Bucket, key)
		}
		return nil, "", xerrors.Wrapf(err, "get s3://%s/%s", s.opts.Bucket, key)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > max {
		return nil, "", fmt.Errorf("%w: s3://%s/%s is %d bytes (max %d)", ErrTooLarge, s.opts.Bucket, key, *out.ContentLength, max)
	}
	data, sum, ok, err := cryptoutil.ReadAllWithHash(out.Body, max)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "read s3://%s/%s", s.opts.Bucket, key)
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: s3://%s/%s (max %d)", ErrTooLarge, s.opts.Bucket, key, max)
	}
	return data, sum, nil
}

func (s *Store) observe(op string, err error, start time.Time) {
	if s.opts.Metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrTooLarge):
		result = "too_large"
	default:
		result = "error"
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied" {
			result = "access_denied"
		}
	}
	s.opts.Metrics.ObserveStorage(op, result, s.opts.Now().Sub(start).Seconds())
}
