package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/errs"
)

const (
	// Upload timeout per attempt, sized for rendered videos
	uploadTimeout = 180 * time.Second

	// Download timeout
	downloadTimeout = 120 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// UploadResult describes a stored object.
type UploadResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Key     string `json:"key"`
	Size    int64  `json:"size"`
}

// Storage is a Supabase Storage client. Stages hand it byte buffers or
// streams; nothing assumes a filesystem shared with the store.
type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	logger     zerolog.Logger
	retryBase  time.Duration
}

func New(url, serviceKey, bucket string, logger zerolog.Logger) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		logger:     logger.With().Str("component", "storage").Logger(),
		retryBase:  baseRetryDelay,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *Storage) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
}

// attempt is one try of a retried operation. retry reports whether a failure
// is worth another attempt.
type attempt func(ctx context.Context) (retry bool, err error)

func (s *Storage) withRetry(ctx context.Context, op, target string, timeout time.Duration, fn attempt) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			delay := s.retryDelay(i)
			s.logger.Warn().Err(lastErr).Str("op", op).Str("target", target).Int("attempt", i).Dur("wait", delay).Msg("retrying")

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own timeout, bounded by the caller's ctx
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		retry, err := fn(attemptCtx)
		cancel()
		if err == nil {
			if i > 0 {
				s.logger.Info().Str("op", op).Str("target", target).Int("attempt", i+1).Msg("succeeded after retry")
			}
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

// Upload stores data under key with retries and exponential backoff.
// Uses PUT with Content-Length and x-upsert.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error) {
	err := s.withRetry(ctx, "upload", key, uploadTimeout, func(ctx context.Context) (bool, error) {
		return s.put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	})
	if err != nil {
		return nil, errs.Storage("upload "+key, err)
	}
	return s.result(key, int64(len(data))), nil
}

// UploadStream stores r under key in a single attempt without buffering it.
// size may be -1 when unknown.
func (s *Storage) UploadStream(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*UploadResult, error) {
	counter := &countingReader{r: r}
	if _, err := s.put(ctx, key, counter, size, contentType); err != nil {
		return nil, errs.Storage("upload stream "+key, err)
	}
	return s.result(key, counter.n), nil
}

// StreamFromURL pipes the body of srcURL straight into the store.
func (s *Storage) StreamFromURL(ctx context.Context, srcURL, key, contentType string) (*UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, errs.Storage("stream "+key, fmt.Errorf("failed to create request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.Storage("stream "+key, fmt.Errorf("failed to fetch source: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.Storage("stream "+key, fmt.Errorf("source returned status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	return s.UploadStream(ctx, key, resp.Body, resp.ContentLength, contentType)
}

func (s *Storage) put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), body)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return isRetryableStatus(resp.StatusCode), fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
}

func (s *Storage) result(key string, size int64) *UploadResult {
	return &UploadResult{Success: true, URL: s.PublicURL(key), Key: key, Size: size}
}

// Fetch downloads any asset URL with retries.
func (s *Storage) Fetch(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, "fetch", url, downloadTimeout, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("failed to create request: %w", err)
		}
		if strings.HasPrefix(url, s.url+"/storage/") {
			req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return isRetryableError(err), fmt.Errorf("failed to download: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return true, fmt.Errorf("failed to read download body: %w", err)
		}
		return false, nil
	})
	if err != nil {
		return nil, errs.Storage("fetch", err)
	}
	return data, nil
}

// PublicURL returns the public URL for a key
func (s *Storage) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

// KeyFromURL reverses PublicURL. ok is false for URLs outside the bucket.
func (s *Storage) KeyFromURL(url string) (key string, ok bool) {
	prefix := fmt.Sprintf("%s/storage/v1/object/public/%s/", s.url, s.Bucket)
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}

// SignedURL creates a signed URL for temporary access
func (s *Storage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.Bucket, key)

	body, _ := json.Marshal(map[string]int{"expiresIn": int(ttl.Seconds())})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errs.Storage("sign", fmt.Errorf("failed to get signed URL: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errs.Storage("sign", fmt.Errorf("failed with status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}
	return s.url + "/storage/v1" + result.SignedURL, nil
}

// JobPath namespaces an artifact under its job.
func JobPath(jobID, name string) string {
	return path.Join("jobs", jobID, name)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func (s *Storage) retryDelay(attempt int) time.Duration {
	delay := float64(s.retryBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
