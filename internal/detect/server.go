package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultServerURL = "http://localhost:8093"

// serverProvider talks to a local inference server over HTTP. The server
// owns the model weights; this process only ships frames and reads boxes.
type serverProvider struct {
	baseURL string
	client  *http.Client
}

func newServerProvider(baseURL string) *serverProvider {
	if baseURL == "" {
		baseURL = defaultServerURL
	}
	return &serverProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *serverProvider) Name() string { return "inference-server" }

type detectRequest struct {
	Image string `json:"image"` // base64 JPEG
}

type detectResponse struct {
	Predictions []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Box        struct {
			X      int `json:"x"`
			Y      int `json:"y"`
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"box"`
	} `json:"predictions"`
	ModelVersion string `json:"model_version"`
}

// DetectObjects posts a frame to /v1/detect and decodes the predictions.
func (p *serverProvider) DetectObjects(ctx context.Context, imageData []byte) ([]Detection, error) {
	body, err := json.Marshal(detectRequest{
		Image: base64.StdEncoding.EncodeToString(imageData),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("inference server status %d: %s", resp.StatusCode, msg)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}

	detections := make([]Detection, 0, len(out.Predictions))
	for _, pred := range out.Predictions {
		detections = append(detections, Detection{
			Label:      pred.Label,
			Confidence: pred.Confidence,
			X:          pred.Box.X,
			Y:          pred.Box.Y,
			Width:      pred.Box.Width,
			Height:     pred.Box.Height,
		})
	}
	return detections, nil
}
