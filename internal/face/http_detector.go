package face

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/errs"
)

// HTTPDetector talks to the model sidecar over its local HTTP API.
type HTTPDetector struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDetector builds a detector client for the given endpoint.
func NewHTTPDetector(baseURL string) *HTTPDetector {
	return &HTTPDetector{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type initRequest struct {
	Model string `json:"model,omitempty"`
}

type detectResponse struct {
	Faces []Face `json:"faces"`
}

// InitModel asks the sidecar to load model weights. Called once per process.
func (d *HTTPDetector) InitModel(ctx context.Context, modelName string) error {
	payload, err := json.Marshal(initRequest{Model: modelName})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/init", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return errs.WrapConnection("init_model", "face-api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errs.WrapAPI("init_model", "face-api",
			fmt.Errorf("status %d: %s", resp.StatusCode, body), resp.StatusCode)
	}

	log.Info().Str("model", modelName).Msg("Face detection model initialized")
	return nil
}

// Detect runs detection on raw image bytes and returns normalized faces.
func (d *HTTPDetector) Detect(ctx context.Context, imageBytes []byte) ([]Face, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/detect", bytes.NewReader(imageBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errs.WrapConnection("detect_faces", "face-api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errs.WrapAPI("detect_faces", "face-api",
			fmt.Errorf("status %d: %s", resp.StatusCode, body), resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.WrapAPI("detect_faces", "face-api", err, resp.StatusCode)
	}

	return NormalizeFaces(parsed.Faces), nil
}
