package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/model-release/internal/models"
)

type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPRegistry talks to the model registry service's REST API.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPRegistry(cfg HTTPClientConfig) (*HTTPRegistry, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPRegistry{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPRegistry) GetArtifact(ctx context.Context, id uuid.UUID) (models.ArtifactVersion, error) {
	var artifact models.ArtifactVersion
	err := c.do(ctx, http.MethodGet, "/registry/artifacts/"+id.String(), nil, &artifact)
	if err != nil {
		return models.ArtifactVersion{}, err
	}
	return artifact, nil
}

func (c *HTTPRegistry) SetApprovalStatus(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) error {
	payload := map[string]string{"approvalStatus": string(status)}
	return c.do(ctx, http.MethodPost, "/registry/artifacts/"+id.String()+"/approval", payload, nil)
}

func (c *HTTPRegistry) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("registry marshal request: %w", err)
		}
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("registry build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			status := resp.StatusCode
			decodeErr := decodeResponse(resp, out)
			resp.Body.Close()
			if decodeErr == nil {
				return nil
			}
			if status == http.StatusNotFound {
				return ErrNotFound
			}
			lastErr = decodeErr
			// A 4xx answer is deterministic; retrying cannot change it.
			if status >= 400 && status < 500 {
				return fmt.Errorf("registry %s %s failed: %w", method, path, lastErr)
			}
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("registry %s %s failed: %w", method, path, lastErr)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("registry unavailable: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("registry rejected request: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("registry decode response: %w", err)
	}
	return nil
}
