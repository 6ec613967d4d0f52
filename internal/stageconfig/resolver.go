// Package stageconfig resolves per-stage options out of a job's immutable
// request payload. Resolution never fails: unrecognized or missing fields
// silently fall back to the documented defaults.
package stageconfig

import "strings"

// Defaults applied when the request payload leaves a knob unset.
const (
	DefaultTargetPolycount = 3500
	DefaultTopology        = "triangle"
	DefaultTargetFormat    = "fbx"
)

// Refine holds the resolved REFINE stage options.
type Refine struct {
	Enabled         bool
	EnablePBR       bool
	TexturePrompt   string
	TextureImageURL string
	ArtStyle        string
	AIModel         string
	NegativePrompt  string
	Seed            *int

	// Raw is the resolved refine section as supplied by the user; provider
	// adapters pass unrecognized knobs through to the remote task payload.
	Raw map[string]any
}

// Remesh holds the resolved REMESH stage options.
type Remesh struct {
	Enabled         bool
	TargetFormat    string
	TargetPolycount int
	Topology        string
	OriginAt        string
	ResizeHeight    *float64
	Raw             map[string]any
}

// ResolveRefine extracts REFINE options. Defaults: enabled with PBR
// texturing on.
func ResolveRefine(payload map[string]any) Refine {
	section := stageSection(payload, "refine")
	cfg := Refine{
		Enabled:         boolOr(section, "enabled", true),
		EnablePBR:       boolOr(section, "enable_pbr", true),
		TexturePrompt:   stringOr(section, "texture_prompt", ""),
		TextureImageURL: stringOr(section, "texture_image_url", ""),
		ArtStyle:        stringOr(section, "art_style", ""),
		AIModel:         stringOr(section, "ai_model", ""),
		NegativePrompt:  stringOr(section, "negative_prompt", ""),
		Seed:            intPtr(section, "seed"),
		Raw:             section,
	}
	return cfg
}

// ResolveRemesh extracts REMESH options. Defaults: enabled, 3500 target
// polycount, triangle topology, target format from the first of an optional
// list or "fbx". A job-level target_polycount is honored as a fallback.
func ResolveRemesh(payload map[string]any) Remesh {
	section := stageSection(payload, "remesh")
	polycount := intOr(section, "target_polycount", 0)
	if polycount <= 0 {
		polycount = intOr(payload, "target_polycount", DefaultTargetPolycount)
	}
	cfg := Remesh{
		Enabled:         boolOr(section, "enabled", true),
		TargetFormat:    resolveTargetFormat(section),
		TargetPolycount: polycount,
		Topology:        stringOr(section, "topology", DefaultTopology),
		OriginAt:        stringOr(section, "origin_at", ""),
		ResizeHeight:    floatPtr(section, "resize_height"),
		Raw:             section,
	}
	return cfg
}

// Preview returns the section describing the initial PREVIEW task. It
// prefers a provider-scoped nested section, then a top-level preview block,
// and finally the payload itself.
func Preview(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	if nested := subMap(subMap(payload, "tripo"), "preview"); nested != nil {
		return nested
	}
	if section := subMap(payload, "preview"); section != nil {
		return section
	}
	return payload
}

// Prompt digs the generation prompt out of the payload, or "".
func Prompt(payload map[string]any) string {
	section := Preview(payload)
	if p := stringOr(section, "prompt", ""); p != "" {
		return p
	}
	return stringOr(payload, "prompt", "")
}

// stageSection returns the named stage block, letting a nested "tripo"
// section shadow the top-level one.
func stageSection(payload map[string]any, name string) map[string]any {
	if payload == nil {
		return nil
	}
	if nested := subMap(subMap(payload, "tripo"), name); nested != nil {
		return nested
	}
	return subMap(payload, name)
}

func resolveTargetFormat(section map[string]any) string {
	if f := stringOr(section, "target_format", ""); f != "" {
		return strings.ToLower(f)
	}
	if list, ok := section["target_formats"].([]any); ok && len(list) > 0 {
		if f, ok := list[0].(string); ok && f != "" {
			return strings.ToLower(f)
		}
	}
	if f := stringOr(section, "format", ""); f != "" {
		return strings.ToLower(f)
	}
	return DefaultTargetFormat
}

func subMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

func boolOr(m map[string]any, key string, fallback bool) bool {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

func stringOr(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// intOr tolerates both float64 (JSON) and int values.
func intOr(m map[string]any, key string, fallback int) int {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func intPtr(m map[string]any, key string) *int {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		n := v
		return &n
	}
	return nil
}

func floatPtr(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(float64); ok {
		return &v
	}
	return nil
}
