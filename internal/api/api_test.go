package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/db"
	"github.com/bobarin/reelsmith/internal/models"
	"github.com/bobarin/reelsmith/internal/storage"
)

const (
	testKey    = "secret-key"
	testSecret = "whsec"
	jobA       = "6f1c2a4e-8f7b-4d0e-9a51-3b1f0c2d9e11"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemStore() *memStore { return &memStore{jobs: make(map[string]*models.Job)} }

func (s *memStore) CreateJob(ctx context.Context, job *models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return false, nil
	}
	cp := *job
	cp.CreatedAt = time.Now()
	s.jobs[job.ID] = &cp
	return true, nil
}

func (s *memStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if len(out) == limit {
			break
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *memStore) CompleteJob(ctx context.Context, id, videoURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status, j.Progress, j.VideoURL = models.JobStatusCompleted, 100, &videoURL
	return true, nil
}

func (s *memStore) FailJob(ctx context.Context, id, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j == nil || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status, j.Error = models.JobStatusFailed, &message
	return true, nil
}

type fakeQueue struct{ enqueued []string }

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string) (bool, error) {
	q.enqueued = append(q.enqueued, jobID)
	return len(q.enqueued) == 1, nil
}

type fakeObjects struct {
	streamed []string
}

func (o *fakeObjects) KeyFromURL(url string) (string, bool) {
	const prefix = "https://cdn/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}

func (o *fakeObjects) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://cdn/signed/" + key + "?ttl=" + ttl.String(), nil
}

func (o *fakeObjects) StreamFromURL(ctx context.Context, srcURL, key, contentType string) (*storage.UploadResult, error) {
	o.streamed = append(o.streamed, srcURL)
	return &storage.UploadResult{Success: true, URL: "https://cdn/" + key, Key: key, Size: 42}, nil
}

type fixture struct {
	store   *memStore
	queue   *fakeQueue
	objects *fakeObjects
	srv     *httptest.Server
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), queue: &fakeQueue{}, objects: &fakeObjects{}}
	h := NewHandler(f.store, f.queue, f.objects, secret, zerolog.Nop())
	f.srv = httptest.NewServer(NewRouter(h, RouterConfig{BackendAPIKey: testKey}, zerolog.Nop()))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var authed = map[string]string{"X-API-Key": testKey}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, "")
	if resp := f.do(t, http.MethodGet, "/health", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	f := newFixture(t, "")
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden},
		{"bearer", map[string]string{"Authorization": "Bearer " + testKey}, http.StatusOK},
		{"basic is not a key", map[string]string{"Authorization": "Basic " + testKey}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := f.do(t, http.MethodGet, "/v1/jobs", nil, tt.headers); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t, "")
	body := []byte(`{"job_id":"` + jobA + `","product":{"title":"Trail Shoe","price":89,"images":["https://shop/a.jpg"],"avatar_url":"https://evil/x.mp4"}}`)

	resp := f.do(t, http.MethodPost, "/v1/jobs", body, authed)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out models.CreateJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.JobID != jobA || out.Status != models.JobStatusPending {
		t.Errorf("response = %+v", out)
	}
	job, _ := f.store.GetJob(context.Background(), jobA)
	if job.ProductData == nil || job.ProductData.AvatarURL != "" {
		t.Errorf("derived fields must not be accepted from callers: %+v", job.ProductData)
	}

	// Resubmitting the same id returns the existing job.
	resp = f.do(t, http.MethodPost, "/v1/jobs", body, authed)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("duplicate status = %d", resp.StatusCode)
	}
	if len(f.store.jobs) != 1 {
		t.Errorf("jobs = %d", len(f.store.jobs))
	}
}

func TestCreateJobOpaqueID(t *testing.T) {
	f := newFixture(t, "")
	body := []byte(`{"job_id":"order-8841","product_reference":"sku-1"}`)

	resp := f.do(t, http.MethodPost, "/v1/jobs", body, authed)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(f.queue.enqueued) != 1 || f.queue.enqueued[0] != "order-8841" {
		t.Errorf("enqueued = %v", f.queue.enqueued)
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs/order-8841", nil, authed)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var out models.JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.JobID != "order-8841" {
		t.Errorf("response = %+v", out)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, "")
	tests := map[string]string{
		"empty":          `{}`,
		"both":           `{"product_reference":"sku-1","product":{"title":"x","images":["a"]}}`,
		"no title":       `{"product":{"images":["a"]}}`,
		"no images":      `{"product":{"title":"x"}}`,
		"negative price": `{"product":{"title":"x","price":-1,"images":["a"]}}`,
		"job id space":   `{"job_id":"order 42","product_reference":"sku-1"}`,
		"job id slash":   `{"job_id":"a/b","product_reference":"sku-1"}`,
		"job id length":  `{"job_id":"` + strings.Repeat("x", models.MaxJobIDLength+1) + `","product_reference":"sku-1"}`,
		"not json":       `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if resp := f.do(t, http.MethodPost, "/v1/jobs", []byte(body), authed); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d", resp.StatusCode)
			}
		})
	}
	if len(f.queue.enqueued) != 0 {
		t.Errorf("invalid submissions were enqueued: %v", f.queue.enqueued)
	}
}

func TestGetJobReadModel(t *testing.T) {
	f := newFixture(t, "")
	video := "https://cdn/jobs/a/final.mp4"
	msg := "rendering: video rendering failed"
	f.store.jobs[jobA] = &models.Job{ID: jobA, Status: models.JobStatusRendering, Progress: 95, VideoURL: &video, Error: &msg}

	resp := f.do(t, http.MethodGet, "/v1/jobs/"+jobA, nil, authed)
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["video_url"]; ok {
		t.Error("video_url must only appear on completed jobs")
	}
	if _, ok := out["error"]; ok {
		t.Error("error must only appear on failed jobs")
	}
	if out["progress"].(float64) != 95 {
		t.Errorf("progress = %v", out["progress"])
	}

	if resp := f.do(t, http.MethodGet, "/v1/jobs/"+strings.Repeat("x", models.MaxJobIDLength+1), nil, authed); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", nil, authed); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown opaque id status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/jobs/00000000-0000-0000-0000-000000000000", nil, authed); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d", resp.StatusCode)
	}
}

func TestDownloadRedirectsToSignedURL(t *testing.T) {
	f := newFixture(t, "")
	f.store.jobs[jobA] = &models.Job{ID: jobA, Status: models.JobStatusRendering}

	if resp := f.do(t, http.MethodGet, "/v1/jobs/"+jobA+"/download", nil, authed); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unfinished download status = %d", resp.StatusCode)
	}

	f.store.CompleteJob(context.Background(), jobA, "https://cdn/jobs/"+jobA+"/final.mp4")
	resp := f.do(t, http.MethodGet, "/v1/jobs/"+jobA+"/download", nil, authed)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://cdn/signed/jobs/"+jobA+"/final.mp4") {
		t.Errorf("location = %s", loc)
	}
}

func TestWebhookSignature(t *testing.T) {
	payload := []byte(`{"job_id":"` + jobA + `","status":"COMPLETED","output_url":"https://provider/out.mp4"}`)

	tests := []struct {
		name      string
		signature string
		want      int
		completed bool
	}{
		{"missing signature", "", http.StatusUnauthorized, false},
		{"forged signature", Sign("other", payload), http.StatusUnauthorized, false},
		{"bare hex", strings.TrimPrefix(Sign(testSecret, payload), "sha256="), http.StatusUnauthorized, false},
		{"valid signature", Sign(testSecret, payload), http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testSecret)
			f.store.jobs[jobA] = &models.Job{ID: jobA, Status: models.JobStatusRendering, Progress: 95}

			headers := map[string]string{}
			if tt.signature != "" {
				headers["X-Webhook-Signature"] = tt.signature
			}
			resp := f.do(t, http.MethodPost, "/v1/webhooks/lipsync", payload, headers)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}

			job, _ := f.store.GetJob(context.Background(), jobA)
			if tt.completed {
				if job.Status != models.JobStatusCompleted || job.VideoURL == nil || *job.VideoURL != "https://cdn/jobs/"+jobA+"/final.mp4" {
					t.Errorf("job not completed from webhook: %+v", job)
				}
				if len(f.objects.streamed) != 1 {
					t.Errorf("asset not streamed to storage")
				}
				return
			}
			if job.Status != models.JobStatusRendering || len(f.objects.streamed) != 0 {
				t.Errorf("rejected webhook changed state: status=%s streamed=%v", job.Status, f.objects.streamed)
			}
		})
	}
}

func TestWebhookOutcomes(t *testing.T) {
	f := newFixture(t, "")
	f.store.jobs[jobA] = &models.Job{ID: jobA, Status: models.JobStatusGeneratingAvatar}

	post := func(body string) *http.Response {
		return f.do(t, http.MethodPost, "/v1/webhooks/lipsync", []byte(body), nil)
	}

	if resp := post(`{"job_id":"` + jobA + `","status":"PROCESSING"}`); resp.StatusCode != http.StatusAccepted {
		t.Errorf("pending status = %d", resp.StatusCode)
	}
	if resp := post(`{"job_id":"` + jobA + `","status":"COMPLETED"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("completed without url status = %d", resp.StatusCode)
	}
	if resp := post(`{"job_id":"` + jobA + `","status":"FAILED","error":"gpu exploded"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("failed status = %d", resp.StatusCode)
	}
	job, _ := f.store.GetJob(context.Background(), jobA)
	if job.Status != models.JobStatusFailed || job.Error == nil || *job.Error != "lipsync: external service failed" {
		t.Errorf("job = %s %v", job.Status, job.Error)
	}

	// A settled job ignores later callbacks.
	if resp := post(`{"job_id":"` + jobA + `","status":"COMPLETED","output_url":"https://provider/x.mp4"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("late callback status = %d", resp.StatusCode)
	}
	if len(f.objects.streamed) != 0 {
		t.Error("late callback must not write to storage")
	}
	if resp := post(`{"job_id":"00000000-0000-0000-0000-000000000000","status":"FAILED"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d", resp.StatusCode)
	}
}
