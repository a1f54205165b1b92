// Package compreface is the HTTP client for the external face recognition
// service. Detection and recognition return boxes, landmarks and attributes;
// the subjects API receives labeled face crops for training.
package compreface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/photokeep/photokeep/internal/config"
)

// facePlugins selects the detail plugins requested on every detection call.
// calculator adds the face embedding vector to each detection; clustering
// depends on it.
const facePlugins = "landmarks,gender,age,pose,calculator"

var (
	// ErrRejected signals a non-retryable 4xx from the service. The pipeline
	// proceeds with an empty face list.
	ErrRejected = errors.New("face service rejected request")

	// ErrUnavailable signals that the retry budget was exhausted on timeouts
	// or 5xx responses.
	ErrUnavailable = errors.New("face service unavailable")
)

// Client talks to the face recognition service. Concurrency toward the
// service is capped by an internal semaphore; the zero value is not usable,
// construct with New.
type Client struct {
	baseURL        string
	apiKey         string
	recognitionKey string
	maxRetries     int
	detectionLimit int
	threshold      float64
	httpClient     *http.Client
	sem            chan struct{}
}

// New builds a client from configuration.
func New(cfg config.CompreFaceConfig) *Client {
	recognitionKey := cfg.RecognitionKey
	if recognitionKey == "" {
		recognitionKey = cfg.APIKey
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		recognitionKey: recognitionKey,
		maxRetries:     cfg.MaxRetries,
		detectionLimit: cfg.DetectionLimit,
		threshold:      cfg.Threshold,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		sem: make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Detect runs face detection over image bytes.
// POST /detect multipart file, query limit, det_prob_threshold, face_plugins.
func (c *Client) Detect(ctx context.Context, imageBytes []byte, filename string) (*DetectResponse, error) {
	query := c.detectQuery()
	var out DetectResponse
	if err := c.postMultipart(ctx, "/detect", query, c.apiKey, imageBytes, filename, &out); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"file": filename, "faces": len(out.Result)}).Debug("face detection")
	return &out, nil
}

// Recognize runs detection plus identity matching against trained subjects.
// POST /recognize, same shape as /detect plus per-face subject candidates.
func (c *Client) Recognize(ctx context.Context, imageBytes []byte, filename string) (*RecognizeResponse, error) {
	query := c.detectQuery()
	var out RecognizeResponse
	if err := c.postMultipart(ctx, "/recognize", query, c.recognitionKey, imageBytes, filename, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddSubjectFace uploads a labeled face crop as a training example.
// POST /subjects/<subject>/faces multipart; returns the service's image id.
func (c *Client) AddSubjectFace(ctx context.Context, subject string, imageBytes []byte, filename string) (string, error) {
	endpoint := "/subjects/" + url.PathEscape(subject) + "/faces"
	var out AddFaceResponse
	if err := c.postMultipart(ctx, endpoint, url.Values{}, c.recognitionKey, imageBytes, filename, &out); err != nil {
		return "", err
	}
	return out.ImageID, nil
}

// ListSubjects returns the subjects currently known to the service.
func (c *Client) ListSubjects(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/subjects", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.recognitionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var out SubjectListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode subjects response: %w", err)
	}
	return out.Subjects, nil
}

// DeleteSubject removes a subject and all its examples from the service.
func (c *Client) DeleteSubject(ctx context.Context, subject string) error {
	endpoint := c.baseURL + "/subjects/" + url.PathEscape(subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.recognitionKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

func (c *Client) detectQuery() url.Values {
	query := url.Values{}
	query.Set("face_plugins", facePlugins)
	if c.detectionLimit > 0 {
		query.Set("limit", strconv.Itoa(c.detectionLimit))
	}
	if c.threshold > 0 {
		query.Set("det_prob_threshold", fmt.Sprintf("%g", c.threshold))
	}
	return query
}

// postMultipart sends image bytes as a multipart form and decodes the JSON
// response. Timeouts and 5xx responses are retried with exponential backoff
// up to the configured budget; 4xx responses surface as ErrRejected
// immediately.
func (c *Client) postMultipart(ctx context.Context, endpoint string, query url.Values, apiKey string, imageBytes []byte, filename string, out any) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(imageBytes); err != nil {
		return fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	requestURL := c.baseURL + endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(250*(1<<(attempt-1))) * time.Millisecond
			logrus.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"attempt":  attempt,
				"backoff":  backoff,
			}).Warn("retrying face service call")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body.Bytes()))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("x-api-key", apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody))
			continue
		default:
			return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(respBody))
		}
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(body))
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(body))
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
