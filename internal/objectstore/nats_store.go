// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerContentType = "Content-Type"
	// PublicPathPrefix is the HTTP path under which artifacts are served.
	PublicPathPrefix = "/audio/"
)

// ErrObjectNotFound is returned by Download and Fetch for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket        string
	store         nats.ObjectStore
	publicBaseURL string
}

// New creates and initializes a new NatsObjectStore. publicBaseURL is the external
// address of the HTTP API that serves PublicPathPrefix.
func New(jetstreamContext nats.JetStreamContext, bucketName, publicBaseURL string) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})

	// If the bucket already exists, bind to it.
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			store, err = jetstreamContext.ObjectStore(bucketName)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
			}
		} else {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket:        bucketName,
		store:         store,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, _, err := n.Fetch(ctx, key)

	return data, err
}

// Fetch retrieves an object together with the content type it was uploaded with.
// Cancelling ctx aborts a transfer in progress.
func (n *NatsObjectStore) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	err := ctx.Err()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get object '%s': %w", key, err)
	}

	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, "", fmt.Errorf("%w: '%s' in bucket '%s'", ErrObjectNotFound, key, n.bucket)
		}

		return nil, "", fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, "", fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, "", fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	contentType := ""

	info, infoErr := obj.Info()
	if infoErr == nil && info.Headers != nil {
		contentType = info.Headers.Get(headerContentType)
	}

	return data, contentType, nil
}

// Upload saves an object to the NATS object store.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)

	var headers nats.Header
	if contentType != "" {
		headers = nats.Header{}
		headers.Set(headerContentType, contentType)
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, reader, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Delete removes every key from the bucket. Keys that are already gone count as
// deleted, so a retried run can clean up after a partial attempt.
func (n *NatsObjectStore) Delete(_ context.Context, keys []string) error {
	var errs []error

	for _, key := range keys {
		err := n.store.Delete(key)
		if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err))
		}
	}

	return errors.Join(errs...)
}

// PublicURL returns the externally resolvable address of key.
func (n *NatsObjectStore) PublicURL(key string) string {
	return n.publicBaseURL + PublicPathPrefix + url.PathEscape(key)
}
