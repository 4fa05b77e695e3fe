package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/beatsync/internal/backoff"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newTestStorage(t *testing.T, h http.Handler) *Storage {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	s := New(srv.URL, "service-key", "media", zap.NewNop())
	s.retry = backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}
	return s
}

func TestUploadRetriesServerErrors(t *testing.T) {
	var calls int32
	s := newTestStorage(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.Header.Get("x-upsert") != "true" {
			t.Errorf("missing x-upsert header")
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("body = %q", body)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := s.Upload(context.Background(), "jobs/x/final.mp4", []byte("payload"), "video/mp4"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestUploadDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	s := newTestStorage(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"denied"}`))
	}))

	err := s.Upload(context.Background(), "a", []byte("x"), "text/plain")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want 403 failure", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestDownload(t *testing.T) {
	s := newTestStorage(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/object/media/jobs/a/b.mp4" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("missing bearer token")
		}
		w.Write([]byte("video"))
	}))

	data, err := s.Download(context.Background(), "jobs/a/b.mp4")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "video" {
		t.Fatalf("data = %q", data)
	}
}

func TestGetSignedURL(t *testing.T) {
	s := newTestStorage(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/object/sign/media/jobs/a/final.mp4" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"expiresIn": 600`) {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{"signedURL":"/object/sign/media/jobs/a/final.mp4?token=abc"}`))
	}))

	url, err := s.GetSignedURL(context.Background(), "jobs/a/final.mp4", 600)
	if err != nil {
		t.Fatalf("GetSignedURL: %v", err)
	}
	if !strings.HasSuffix(url, "/storage/v1/object/sign/media/jobs/a/final.mp4?token=abc") {
		t.Fatalf("url = %s", url)
	}
}

func TestPaths(t *testing.T) {
	id := uuid.MustParse("6f1c2a9e-7d1b-4c36-9d5e-0c4f6f0d9a11")
	if got := ChunkSegmentPath(id, 3); got != "jobs/6f1c2a9e-7d1b-4c36-9d5e-0c4f6f0d9a11/segments/0003.mp4" {
		t.Errorf("ChunkSegmentPath = %s", got)
	}
	if got := ChunkOutputPath(id, 12); got != "jobs/6f1c2a9e-7d1b-4c36-9d5e-0c4f6f0d9a11/chunks/0012.mp4" {
		t.Errorf("ChunkOutputPath = %s", got)
	}
	if got := FinalOutputPath(id); got != "jobs/6f1c2a9e-7d1b-4c36-9d5e-0c4f6f0d9a11/final.mp4" {
		t.Errorf("FinalOutputPath = %s", got)
	}
}

func TestDownloadMissingObjectIsNotFound(t *testing.T) {
	var calls int32
	s := newTestStorage(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found"}`))
	}))

	_, err := s.Download(context.Background(), "uploads/gone.mp4")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestOwnsUpload(t *testing.T) {
	owner := uuid.MustParse("7b0a4c52-55a6-4a8e-9a63-8d8f0f3f7f10")
	other := uuid.MustParse("0c1e3c0e-8f4b-4d59-9c55-3b7a2f8e6a21")

	tests := []struct {
		path string
		want bool
	}{
		{UploadPath(owner, "driver.mp4"), true},
		{UploadPath(owner, "faces/a.png"), true},
		{UploadPath(other, "driver.mp4"), false},
		{"uploads/" + owner.String(), false},
		{"uploads/" + owner.String() + "/../" + other.String() + "/a.png", false},
		{"jobs/" + owner.String() + "/final.mp4", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := OwnsUpload(owner, tt.path); got != tt.want {
			t.Errorf("OwnsUpload(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
