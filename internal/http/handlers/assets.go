package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AssetGet returns the asset with time-limited signed URLs for every channel
// that was mirrored into storage. Channels without a stored copy fall back
// to the provider-hosted URL.
func (a *App) AssetGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	assetID := chi.URLParam(r, "asset_id")
	if assetID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "asset_id required")
		return
	}
	asset, err := a.Assets.GetByID(r.Context(), assetID)
	if err != nil {
		a.domainError(w, err, "failed to load asset")
		return
	}
	if asset.OwnerID != userID {
		a.error(w, http.StatusNotFound, "not_found", "asset not found")
		return
	}

	channels := map[string]any{}
	type channelRef struct {
		name string
		url  *string
		path *string
	}
	for _, ch := range []channelRef{
		{"mesh", asset.MeshURL, asset.MeshStoragePath},
		{"albedo", asset.TextureURL, asset.TextureStoragePath},
		{"metalness", asset.PBRMetalnessURL, asset.MetalnessStoragePath},
		{"roughness", asset.PBRRoughnessURL, asset.RoughnessStoragePath},
		{"normal", asset.PBRNormalURL, asset.NormalStoragePath},
	} {
		if ch.url == nil && ch.path == nil {
			continue
		}
		entry := map[string]any{}
		if ch.url != nil {
			entry["url"] = *ch.url
		}
		if ch.path != nil && a.Store != nil {
			signed, err := a.Store.SignedURL(r.Context(), *ch.path, a.Cfg.SignedURLTTL)
			if err != nil {
				a.Log.Warn().Err(err).Str("asset_id", asset.ID).Str("channel", ch.name).Msg("assets: signing failed")
			} else {
				entry["signed_url"] = signed
			}
		}
		channels[ch.name] = entry
	}

	a.json(w, http.StatusOK, map[string]any{
		"id":            asset.ID,
		"title":         asset.Title,
		"source_job_id": asset.SourceJobID,
		"channels":      channels,
		"created_at":    asset.CreatedAt,
		"updated_at":    asset.UpdatedAt,
	})
}
