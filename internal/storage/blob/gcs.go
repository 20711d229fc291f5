package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsPublicBase = "https://storage.googleapis.com"

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS connects to bucket. credentialsFile and endpoint are optional;
// without credentials the default application credentials are used.
func NewGCS(ctx context.Context, bucket, credentialsFile, endpoint string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs blob store: bucket not set")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs blob store: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// PublicURL returns the public URL of key in bucket.
func PublicURL(bucket, key string) string {
	return gcsPublicBase + "/" + bucket + "/" + (&url.URL{Path: key}).EscapedPath()
}

// Put uploads data, overwriting any existing object.
func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return PublicURL(g.bucket, key), nil
}

// Get downloads an object.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Delete removes an object. Missing objects are not an error.
func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}
