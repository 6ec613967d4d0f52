package tripo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"meshforge/internal/domain"
	"meshforge/internal/provider"
	"meshforge/internal/stageconfig"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		native string
		want   domain.Status
	}{
		{"", domain.StatusInProgress},
		{"queued", domain.StatusQueued},
		{"running", domain.StatusInProgress},
		{"success", domain.StatusSucceeded},
		{"cancelled", domain.StatusCancelled},
		{"failed", domain.StatusFailed},
		{"banned", domain.StatusFailed},
		{"expired", domain.StatusFailed},
		{"mystery", domain.StatusFailed},
	}
	for _, tc := range tests {
		if got := MapStatus(tc.native); got != tc.want {
			t.Fatalf("MapStatus(%q) = %s, want %s", tc.native, got, tc.want)
		}
	}
}

func TestCreatePreviewTaskEnvelope(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"task_id": "tripo-task-1"},
		})
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	id, err := client.CreatePreviewTask(context.Background(), map[string]any{"prompt": "a sword"})
	if err != nil {
		t.Fatalf("CreatePreviewTask error: %v", err)
	}
	if id != "tripo-task-1" {
		t.Fatalf("task id = %q", id)
	}
	if gotBody["type"] != "text_to_model" {
		t.Fatalf("type = %v", gotBody["type"])
	}
}

func TestCreateTaskMissingEnvelopeID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{}})
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	_, err := client.CreatePreviewTask(context.Background(), map[string]any{"prompt": "x"})
	if !errors.Is(err, provider.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
}

func TestCreateRefineTaskStripsControlFields(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"task_id": "refine-1"}})
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	_, err := client.CreateRefineTask(context.Background(), "draft-1", stageconfig.Refine{
		Enabled: true,
		Raw:     map[string]any{"enabled": true, "texture": "hd"},
	})
	if err != nil {
		t.Fatalf("CreateRefineTask error: %v", err)
	}
	if _, ok := gotBody["enabled"]; ok {
		t.Fatal("enabled control field should be stripped")
	}
	if gotBody["type"] != "refine_model" {
		t.Fatalf("type = %v", gotBody["type"])
	}
	if gotBody["draft_model_task_id"] != "draft-1" {
		t.Fatalf("draft_model_task_id = %v", gotBody["draft_model_task_id"])
	}
	if gotBody["texture"] != "hd" {
		t.Fatalf("passthrough field lost, body = %v", gotBody)
	}
}

func TestCreateRemeshTaskPayload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"task_id": "convert-1"}})
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	_, err := client.CreateRemeshTask(context.Background(), "refine-1", stageconfig.Remesh{
		Enabled:         true,
		TargetFormat:    "fbx",
		TargetPolycount: 3500,
	})
	if err != nil {
		t.Fatalf("CreateRemeshTask error: %v", err)
	}
	if gotBody["type"] != "convert_model" {
		t.Fatalf("type = %v", gotBody["type"])
	}
	if gotBody["format"] != "FBX" {
		t.Fatalf("format = %v, want uppercased", gotBody["format"])
	}
	if gotBody["face_limit"] != float64(3500) {
		t.Fatalf("face_limit = %v", gotBody["face_limit"])
	}
	if gotBody["original_model_task_id"] != "refine-1" {
		t.Fatalf("original_model_task_id = %v", gotBody["original_model_task_id"])
	}
}

func TestFetchTaskMeshAliasPriority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"task_id": "t-1",
				"status":  "success",
				"output": map[string]any{
					"base_model": "https://cdn/base.glb",
					"model":      "https://cdn/model.glb",
					"pbr_model":  "https://cdn/pbr.glb",
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	task, err := client.FetchTask(context.Background(), domain.StagePreview, "t-1")
	if err != nil {
		t.Fatalf("FetchTask error: %v", err)
	}
	if task.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Outputs.Mesh != "https://cdn/pbr.glb" {
		t.Fatalf("mesh = %q, want pbr_model first", task.Outputs.Mesh)
	}
}

func TestFetchTaskMissingStatusStillInProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"task_id": "t-1"}})
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	task, err := client.FetchTask(context.Background(), domain.StagePreview, "t-1")
	if err != nil {
		t.Fatalf("FetchTask error: %v", err)
	}
	if task.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS for missing native status", task.Status)
	}
}
