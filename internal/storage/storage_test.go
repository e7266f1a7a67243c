package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/errs"
)

func newTestStorage(url string) *Storage {
	s := New(url, "service-key", "reels", zerolog.Nop())
	s.retryBase = time.Millisecond
	return s
}

func TestUpload(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.URL.Path != "/storage/v1/object/reels/jobs/j1/final.mp4" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer service-key" || r.Header.Get("x-upsert") != "true" {
			t.Errorf("missing auth or upsert headers: %v", r.Header)
		}
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStorage(srv.URL)
	res, err := s.Upload(context.Background(), JobPath("j1", "final.mp4"), []byte("video-bytes"), "video/mp4")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if string(got) != "video-bytes" {
		t.Errorf("server received %q", got)
	}
	if !res.Success || res.Size != 11 || res.Key != "jobs/j1/final.mp4" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.URL != srv.URL+"/storage/v1/object/public/reels/jobs/j1/final.mp4" {
		t.Errorf("unexpected url %s", res.URL)
	}
	if key, ok := s.KeyFromURL(res.URL); !ok || key != res.Key {
		t.Errorf("KeyFromURL(%s) = %q, %v", res.URL, key, ok)
	}
}

func TestUploadRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if _, err := newTestStorage(srv.URL).Upload(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestUploadDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	_, err := newTestStorage(srv.URL).Upload(context.Background(), "a.png", []byte("x"), "image/png")
	if !errs.Is(err, errs.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestStreamFromURL(t *testing.T) {
	payload := strings.Repeat("frame", 10_000)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, payload)
	}))
	defer provider.Close()

	var stored string
	var contentType string
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		stored = string(b)
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer store.Close()

	res, err := newTestStorage(store.URL).StreamFromURL(context.Background(), provider.URL+"/out.mp4", "jobs/j9/final.mp4", "")
	if err != nil {
		t.Fatalf("StreamFromURL: %v", err)
	}
	if stored != payload {
		t.Errorf("stored %d bytes, want %d", len(stored), len(payload))
	}
	if contentType != "video/mp4" {
		t.Errorf("expected provider content type, got %q", contentType)
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("expected size %d, got %d", len(payload), res.Size)
	}
}

func TestStreamFromURLSourceFailure(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer provider.Close()

	var storeCalls int32
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&storeCalls, 1)
	}))
	defer store.Close()

	_, err := newTestStorage(store.URL).StreamFromURL(context.Background(), provider.URL, "k", "video/mp4")
	if !errs.Is(err, errs.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if storeCalls != 0 {
		t.Error("nothing should be written when the source fails")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "image-bytes")
	}))
	defer srv.Close()

	s := newTestStorage("https://project.supabase.co")
	data, err := s.Fetch(context.Background(), srv.URL+"/img.jpg")
	if err != nil || string(data) != "image-bytes" {
		t.Fatalf("Fetch = %q, %v", data, err)
	}
	if _, err := s.Fetch(context.Background(), srv.URL+"/missing"); !errs.Is(err, errs.KindStorage) {
		t.Errorf("expected storage error for 404, got %v", err)
	}
}

func TestSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"expiresIn":3600`) {
			t.Errorf("unexpected body %s", body)
		}
		io.WriteString(w, `{"signedURL":"/object/sign/reels/jobs/j1/final.mp4?token=abc"}`)
	}))
	defer srv.Close()

	url, err := newTestStorage(srv.URL).SignedURL(context.Background(), "jobs/j1/final.mp4", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if url != srv.URL+"/storage/v1/object/sign/reels/jobs/j1/final.mp4?token=abc" {
		t.Errorf("unexpected signed url %s", url)
	}
}

func TestRetryHelpers(t *testing.T) {
	if !isRetryableStatus(http.StatusTooManyRequests) || isRetryableStatus(http.StatusBadRequest) {
		t.Error("unexpected status classification")
	}
	s := newTestStorage("http://x")
	s.retryBase = time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		if d := s.retryDelay(attempt); d > maxRetryDelay+maxRetryDelay/4 {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}
}
