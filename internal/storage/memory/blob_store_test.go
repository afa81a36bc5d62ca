package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>content</html>")
	uri, err := store.PutObject(context.Background(), "snapshots/job-1/0001-abc.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://snapshots/job-1/0001-abc.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'X'
	stored, contentType, ok := store.Object("snapshots/job-1/0001-abc.html")
	if !ok || string(stored) != "<html>content</html>" || contentType != "text/html" {
		t.Fatalf("unexpected stored object %q %q %v", stored, contentType, ok)
	}
	stored[0] = 'Y'
	again, _, _ := store.Object("snapshots/job-1/0001-abc.html")
	if again[0] != '<' {
		t.Fatal("expected Object to return a copy")
	}
	if paths := store.Paths(); len(paths) != 1 {
		t.Fatalf("Paths() = %v", paths)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestBlobStorePutObjectReadError(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.PutObject(context.Background(), "p", "text/html", failingReader{}); err == nil {
		t.Fatal("expected read error")
	}
	if _, _, ok := store.Object("p"); ok {
		t.Fatal("expected nothing stored")
	}
}
