package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsSnapshot(t *testing.T) {
	t.Parallel()
	const objectName = "snapshots/job-1/0001-abc.html"

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/snapshots-bucket/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>리뷰</html>")
		assert.Contains(t, string(body), DefaultContentType)
		assert.Contains(t, string(body), "no-store")
		fmt.Fprintf(w, `{"name": %q, "bucket": "snapshots-bucket"}`, objectName)
	})
	store := newTestStore(t, handler, Config{Bucket: "snapshots-bucket", CacheControl: "no-store"})

	uri, err := store.PutObject(context.Background(), "/"+objectName, "", strings.NewReader("<html>리뷰</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots-bucket/"+objectName, uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"code": 403, "message": "forbidden"}}`, http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "snapshots-bucket"})

	_, err := store.PutObject(context.Background(), "job-1/0001-abc.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutObjectValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, http.NotFoundHandler(), Config{Bucket: "b"})
	_, err := store.PutObject(context.Background(), "  ", "text/html", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")

	_, err = New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}
