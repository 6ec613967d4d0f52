// Package meshy adapts the Meshy text-to-3d API. Preview and refine tasks
// share the text-to-3d endpoint; remesh tasks use the dedicated remesh
// endpoint.
package meshy

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
	defaultBaseURL = "https://api.meshy.ai"
	textTo3DPath   = "/v2/text-to-3d"
	remeshPath     = "/v1/remesh"
)

// Options configures the Meshy client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Keys           provider.KeySource
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the Meshy API.
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
	return domain.ProviderMeshy
}

// CreatePreviewTask issues the initial text-to-3d request.
func (c *Client) CreatePreviewTask(ctx context.Context, preview map[string]any) (string, error) {
	payload := make(map[string]any, len(preview)+1)
	for k, v := range preview {
		payload[k] = v
	}
	if _, ok := payload["mode"]; !ok {
		payload["mode"] = "preview"
	}
	return c.createTask(ctx, textTo3DPath, payload)
}

// CreateRefineTask chains a refine task onto a finished preview task.
func (c *Client) CreateRefineTask(ctx context.Context, previewTaskID string, cfg stageconfig.Refine) (string, error) {
	payload := map[string]any{
		"mode":            "refine",
		"enable_pbr":      cfg.EnablePBR,
		"preview_task_id": previewTaskID,
	}
	putString(payload, "texture_prompt", cfg.TexturePrompt)
	putString(payload, "texture_image_url", cfg.TextureImageURL)
	putString(payload, "art_style", cfg.ArtStyle)
	putString(payload, "ai_model", cfg.AIModel)
	putString(payload, "negative_prompt", cfg.NegativePrompt)
	if cfg.Seed != nil {
		payload["seed"] = *cfg.Seed
	}
	return c.createTask(ctx, textTo3DPath, payload)
}

// CreateRemeshTask chains a remesh task onto a finished refine task.
func (c *Client) CreateRemeshTask(ctx context.Context, inputTaskID string, cfg stageconfig.Remesh) (string, error) {
	payload := map[string]any{
		"input_task_id":    inputTaskID,
		"target_format":    cfg.TargetFormat,
		"target_polycount": cfg.TargetPolycount,
		"topology":         cfg.Topology,
	}
	putString(payload, "origin_at", cfg.OriginAt)
	if cfg.ResizeHeight != nil {
		payload["resize_height"] = *cfg.ResizeHeight
	}
	return c.createTask(ctx, remeshPath, payload)
}

// FetchTask retrieves the remote task. REMESH tasks live under the remesh
// endpoint; PREVIEW and REFINE under text-to-3d.
func (c *Client) FetchTask(ctx context.Context, stage domain.Stage, taskID string) (*provider.Task, error) {
	path := textTo3DPath
	if stage == domain.StageRemesh {
		path = remeshPath
	}
	raw, err := c.doJSON(ctx, http.MethodGet, path+"/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	native, _ := raw["status"].(string)
	task := &provider.Task{
		ID:           taskID,
		NativeStatus: native,
		Status:       MapStatus(native),
		Message:      extractMessage(raw),
		Outputs:      extractOutputs(raw),
		Raw:          raw,
	}
	if id, ok := raw["id"].(string); ok && id != "" {
		task.ID = id
	}
	if task.Status == domain.StatusFailed && task.Message == "" {
		task.Message = "Meshy task failed"
	}
	return task, nil
}

// MapStatus maps Meshy's native vocabulary onto the canonical status set.
// Unrecognized values map to FAILED; Meshy does not model cancellation.
func MapStatus(native string) domain.Status {
	switch native {
	case "PENDING":
		return domain.StatusQueued
	case "IN_PROGRESS":
		return domain.StatusInProgress
	case "SUCCEEDED":
		return domain.StatusSucceeded
	default:
		return domain.StatusFailed
	}
}

func (c *Client) createTask(ctx context.Context, path string, payload map[string]any) (string, error) {
	raw, err := c.doJSON(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}
	id, ok := raw["result"].(string)
	if !ok || id == "" {
		return "", provider.RequestError(domain.ProviderMeshy, "response missing result task id")
	}
	return id, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload map[string]any) (map[string]any, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, provider.RequestError(domain.ProviderMeshy, "encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderMeshy, "build request: %v", err)
	}
	key, err := c.resolveKey(ctx)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderMeshy, "resolve api key: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderMeshy, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.RequestError(domain.ProviderMeshy, "read response: %v", err)
	}
	raw := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			raw = map[string]any{"raw": string(data)}
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := extractMessage(raw)
		if msg == "" {
			msg = fmt.Sprintf("request failed: %d", resp.StatusCode)
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("meshy: request rejected")
		return nil, provider.RequestError(domain.ProviderMeshy, "%s", msg)
	}
	return raw, nil
}

func (c *Client) resolveKey(ctx context.Context) (string, error) {
	if c.keys != nil {
		key, err := c.keys.ProviderAPIKey(ctx, string(domain.ProviderMeshy))
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
	}
	return c.apiKey, nil
}

func extractMessage(raw map[string]any) string {
	if msg, ok := raw["message"].(string); ok {
		return msg
	}
	if taskErr, ok := raw["task_error"].(map[string]any); ok {
		if msg, ok := taskErr["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// extractOutputs selects artifact URLs by the fixed per-channel alias
// priority: mesh fbx then glb; albedo over legacy base-color spellings.
func extractOutputs(raw map[string]any) provider.OutputURLs {
	modelURLs, _ := raw["model_urls"].(map[string]any)
	textureURLs, _ := raw["texture_urls"].(map[string]any)
	return provider.OutputURLs{
		Mesh:      pickURL(modelURLs, "fbx", "glb"),
		Albedo:    pickURL(textureURLs, "albedo", "base_color", "baseColor", "diffuse"),
		Metalness: pickURL(textureURLs, "metalness", "metallic"),
		Roughness: pickURL(textureURLs, "roughness"),
		Normal:    pickURL(textureURLs, "normal"),
	}
}

func pickURL(urls map[string]any, keys ...string) string {
	if urls == nil {
		return ""
	}
	for _, key := range keys {
		if u, ok := urls[key].(string); ok && u != "" {
			return u
		}
	}
	return ""
}

func putString(payload map[string]any, key, value string) {
	if value != "" {
		payload[key] = value
	}
}

var _ provider.Adapter = (*Client)(nil)
