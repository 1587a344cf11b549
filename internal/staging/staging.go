// Package staging archives uploaded statement files to Google Cloud Storage
// before they are parsed, so a bad ingest can always be replayed from the
// original bytes.
package staging

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// Archiver stages raw upload bytes and retrieves them later by URI.
type Archiver interface {
	// Stage writes the contents of r under a generated object name and
	// returns the gs:// URI of the stored object.
	Stage(ctx context.Context, accountID, filename string, r io.Reader) (string, error)

	// Fetch downloads the bytes previously stored at the given gs:// URI.
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// GCSArchiver is the Cloud Storage implementation of Archiver. It assumes
// Application Default Credentials are configured.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// New creates a GCSArchiver writing into the given bucket.
func New(ctx context.Context, bucket string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("New: creating storage client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket}, nil
}

// NewWithClient creates a GCSArchiver using an existing client, mainly for tests.
func NewWithClient(client *storage.Client, bucket string) *GCSArchiver {
	return &GCSArchiver{client: client, bucket: bucket}
}

// Close releases the underlying storage client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}

// Stage uploads the reader's contents under
// uploads/<account>/<date>/<uuid>_<filename> and returns the object's URI.
func (a *GCSArchiver) Stage(ctx context.Context, accountID, filename string, r io.Reader) (string, error) {
	objectName := ObjectName(accountID, filename, time.Now().UTC())

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Stage: writing object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Stage: finalizing object %s: %w", objectName, err)
	}

	return fmt.Sprintf("gs://%s/%s", a.bucket, objectName), nil
}

// Fetch downloads the bytes stored at the given gs:// URI.
func (a *GCSArchiver) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	rc, err := a.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Fetch: opening %s: %w", uri, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading %s: %w", uri, err)
	}
	return data, nil
}

// ObjectName builds the staging object path for an upload. The uuid prefix
// keeps re-uploads of the same filename from colliding.
func ObjectName(accountID, filename string, now time.Time) string {
	base := path.Base(filename)
	if base == "." || base == "/" || base == "" {
		base = "upload.csv"
	}
	return fmt.Sprintf("uploads/%s/%s/%s_%s",
		accountID, now.Format("2006-01-02"), uuid.NewString(), base)
}

// ParseURI splits a gs://bucket/object URI into bucket and object path.
func ParseURI(uri string) (bucket, object string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %s", uri)
	}
	bucket, object, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// URI: %s", uri)
	}
	return bucket, object, nil
}
