// Package tripo adapts the Tripo task API. All stages share a single task
// endpoint; the task type field selects the operation.
package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/provider"
	"meshforge/internal/stageconfig"
)

const (
	defaultBaseURL = "https://api.tripo3d.ai/v2/openapi"
	taskPath       = "/task"
)

// Options configures the Tripo client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Keys           provider.KeySource
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the Tripo API.
type Client struct {
	apiKey     string
	baseURL    string
	keys       provider.KeySource
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		keys:       opts.Keys,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name identifies the provider binding handled by this adapter.
func (c *Client) Name() domain.Provider {
	return domain.ProviderTripo
}

// CreatePreviewTask issues the initial text_to_model request.
func (c *Client) CreatePreviewTask(ctx context.Context, preview map[string]any) (string, error) {
	payload := clonePayload(preview)
	if _, ok := payload["type"]; !ok {
		payload["type"] = "text_to_model"
	}
	return c.createTask(ctx, payload)
}

// CreateRefineTask chains a refine_model task onto a finished draft task.
// The resolved refine section passes through; control fields are stripped.
func (c *Client) CreateRefineTask(ctx context.Context, previewTaskID string, cfg stageconfig.Refine) (string, error) {
	payload := clonePayload(cfg.Raw)
	delete(payload, "enabled")
	payload["type"] = "refine_model"
	payload["draft_model_task_id"] = previewTaskID
	return c.createTask(ctx, payload)
}

// CreateRemeshTask chains a convert_model task onto a finished refine task.
func (c *Client) CreateRemeshTask(ctx context.Context, inputTaskID string, cfg stageconfig.Remesh) (string, error) {
	payload := clonePayload(cfg.Raw)
	delete(payload, "enabled")
	payload["type"] = "convert_model"
	payload["format"] = strings.ToUpper(cfg.TargetFormat)
	payload["face_limit"] = cfg.TargetPolycount
	payload["original_model_task_id"] = inputTaskID
	return c.createTask(ctx, payload)
}

// FetchTask retrieves the remote task snapshot from the data envelope.
func (c *Client) FetchTask(ctx context.Context, _ domain.Stage, taskID string) (*provider.Task, error) {
	raw, err := c.doJSON(ctx, http.MethodGet, taskPath+"/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	data, _ := raw["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	native, _ := data["status"].(string)
	task := &provider.Task{
		ID:           taskID,
		NativeStatus: native,
		Status:       MapStatus(native),
		Message:      statusMessage(native),
		Outputs:      extractOutputs(data),
		Raw:          data,
	}
	if id, ok := data["task_id"].(string); ok && id != "" {
		task.ID = id
	}
	return task, nil
}

// MapStatus maps Tripo's native vocabulary onto the canonical status set.
// banned and expired fail closed alongside any unrecognized value; a missing
// status is treated as still in progress.
func MapStatus(native string) domain.Status {
	switch native {
	case "":
		return domain.StatusInProgress
	case "queued":
		return domain.StatusQueued
	case "running":
		return domain.StatusInProgress
	case "success":
		return domain.StatusSucceeded
	case "cancelled":
		return domain.StatusCancelled
	default:
		return domain.StatusFailed
	}
}

func statusMessage(native string) string {
	if native == "" {
		return ""
	}
	return fmt.Sprintf("Tripo task %s", native)
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	raw, err := c.doJSON(ctx, http.MethodPost, taskPath, payload)
	if err != nil {
		return "", err
	}
	data, _ := raw["data"].(map[string]any)
	id, _ := data["task_id"].(string)
	if id == "" {
		return "", provider.RequestError(domain.ProviderTripo, "response missing task_id")
	}
	return id, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, provider.RequestError(domain.ProviderTripo, "encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderTripo, "build request: %v", err)
	}
	key, err := c.resolveKey(ctx)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderTripo, "resolve api key: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderTripo, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderTripo, "read response: %v", err)
	}
	raw := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			raw = map[string]any{"raw": string(data)}
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := raw["message"].(string)
		if msg == "" {
			msg = fmt.Sprintf("request failed: %d", resp.StatusCode)
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("tripo: request rejected")
		return nil, provider.RequestError(domain.ProviderTripo, "%s", msg)
	}
	return raw, nil
}

func (c *Client) resolveKey(ctx context.Context) (string, error) {
	if c.keys != nil {
		key, err := c.keys.ProviderAPIKey(ctx, string(domain.ProviderTripo))
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
	}
	return c.apiKey, nil
}

// extractOutputs selects the mesh URL by alias priority; Tripo exposes a
// single model artifact per task.
func extractOutputs(data map[string]any) provider.OutputURLs {
	output, _ := data["output"].(map[string]any)
	if output == nil {
		return provider.OutputURLs{}
	}
	for _, key := range []string{"pbr_model", "model", "base_model"} {
		if u, ok := output[key].(string); ok && u != "" {
			return provider.OutputURLs{Mesh: u}
		}
	}
	return provider.OutputURLs{}
}

func clonePayload(src map[string]any) map[string]any {
	payload := make(map[string]any, len(src)+3)
	for k, v := range src {
		payload[k] = v
	}
	return payload
}

var _ provider.Adapter = (*Client)(nil)
