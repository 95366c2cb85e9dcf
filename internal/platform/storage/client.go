package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 15 * time.Minute
	maxSignedURLExpiry     = 12 * time.Hour
	imageCacheControl      = "private, max-age=300"
)

var (
	errNoSigner      = errors.New("storage: signer is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object path is invalid")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// ImageURLSigner issues time-limited GET URLs for item images stored in one bucket.
type ImageURLSigner struct {
	signer Signer
	bucket string
	expiry time.Duration
	scheme storage.SigningScheme
	now    func() time.Time
}

// ImageURLSignerOption customises signer behaviour.
type ImageURLSignerOption func(*ImageURLSigner)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) ImageURLSignerOption {
	return func(s *ImageURLSigner) {
		if scheme != 0 {
			s.scheme = scheme
		}
	}
}

// WithExpiry sets how long issued URLs stay valid.
func WithExpiry(expiry time.Duration) ImageURLSignerOption {
	return func(s *ImageURLSigner) {
		if expiry > 0 {
			s.expiry = expiry
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) ImageURLSignerOption {
	return func(s *ImageURLSigner) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewImageURLSigner constructs a signer for objects of bucket.
func NewImageURLSigner(signer Signer, bucket string, opts ...ImageURLSignerOption) (*ImageURLSigner, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}

	s := &ImageURLSigner{
		signer: signer,
		bucket: bucket,
		expiry: defaultSignedURLExpiry,
		scheme: storage.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.expiry > maxSignedURLExpiry {
		return nil, errExpiryTooLong
	}
	return s, nil
}

// SignedURL returns a GET URL for objectPath that expires after the configured duration.
func (s *ImageURLSigner) SignedURL(ctx context.Context, objectPath string) (string, error) {
	if s == nil {
		return "", errNoSigner
	}
	object, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}

	signed, err := storage.SignedURL(s.bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Scheme:         s.scheme,
		Method:         "GET",
		Expires:        s.now().Add(s.expiry),
		QueryParameters: url.Values{
			"response-cache-control": []string{imageCacheControl},
		},
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return "", fmt.Errorf("storage: sign image url: %w", err)
	}
	return signed, nil
}

// cleanObjectPath rejects absolute paths, traversal segments and gs:// URIs of other buckets.
func cleanObjectPath(objectPath string) (string, error) {
	object := strings.TrimSpace(objectPath)
	object = strings.TrimPrefix(object, "/")
	if object == "" || strings.Contains(object, "://") {
		return "", errInvalidObject
	}
	for _, segment := range strings.Split(object, "/") {
		if segment == ".." || segment == "." {
			return "", errInvalidObject
		}
	}
	return path.Clean(object), nil
}
