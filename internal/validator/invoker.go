package validator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ILLUVRSE/model-release/internal/models"
)

// HTTPInvoker posts check payloads to the serving layer's invocation API at
// <base>/endpoints/<name>/invocations.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

func NewHTTPInvoker(baseURL string, client *http.Client) (*HTTPInvoker, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("invoker base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPInvoker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}, nil
}

func (i *HTTPInvoker) Invoke(ctx context.Context, handle models.EndpointHandle, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/endpoints/%s/invocations", i.baseURL, handle.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "text/csv")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read prediction: %w", err)
	}
	return body, nil
}
