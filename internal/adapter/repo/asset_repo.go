package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// AssetRepositoryPG implements domain.AssetRepository using PostgreSQL.
type AssetRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewAssetRepository constructs a new asset repository instance.
func NewAssetRepository(pool *pgxpool.Pool) *AssetRepositoryPG {
	return &AssetRepositoryPG{pool: pool}
}

// GetByID fetches an asset by its identifier.
func (r *AssetRepositoryPG) GetByID(ctx context.Context, assetID string) (*domain.Asset, error) {
	query := `
SELECT id, owner_id, source_job_id, title,
       mesh_url, texture_url, pbr_metalness_url, pbr_roughness_url, pbr_normal_url,
       mesh_storage_path, texture_storage_path, pbr_metalness_storage_path,
       pbr_roughness_storage_path, pbr_normal_storage_path,
       created_at, updated_at
FROM assets
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, assetID)
	var asset domain.Asset
	if err := row.Scan(
		&asset.ID,
		&asset.OwnerID,
		&asset.SourceJobID,
		&asset.Title,
		&asset.MeshURL,
		&asset.TextureURL,
		&asset.PBRMetalnessURL,
		&asset.PBRRoughnessURL,
		&asset.PBRNormalURL,
		&asset.MeshStoragePath,
		&asset.TextureStoragePath,
		&asset.MetalnessStoragePath,
		&asset.RoughnessStoragePath,
		&asset.NormalStoragePath,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &asset, nil
}

// ApplyPatch writes the URLs and storage paths a finished stage produced.
// Nil patch fields leave the stored values untouched.
func (r *AssetRepositoryPG) ApplyPatch(ctx context.Context, assetID string, patch domain.AssetPatch) error {
	query := `
UPDATE assets
SET source_job_id = $2,
    mesh_url = COALESCE($3, mesh_url),
    texture_url = COALESCE($4, texture_url),
    pbr_metalness_url = COALESCE($5, pbr_metalness_url),
    pbr_roughness_url = COALESCE($6, pbr_roughness_url),
    pbr_normal_url = COALESCE($7, pbr_normal_url),
    mesh_storage_path = COALESCE($8, mesh_storage_path),
    texture_storage_path = COALESCE($9, texture_storage_path),
    pbr_metalness_storage_path = COALESCE($10, pbr_metalness_storage_path),
    pbr_roughness_storage_path = COALESCE($11, pbr_roughness_storage_path),
    pbr_normal_storage_path = COALESCE($12, pbr_normal_storage_path),
    updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query,
		assetID,
		patch.SourceJobID,
		patch.MeshURL,
		patch.TextureURL,
		patch.PBRMetalnessURL,
		patch.PBRRoughnessURL,
		patch.PBRNormalURL,
		patch.MeshStoragePath,
		patch.TextureStoragePath,
		patch.MetalnessStoragePath,
		patch.RoughnessStoragePath,
		patch.NormalStoragePath,
	)
	return err
}

var _ domain.AssetRepository = (*AssetRepositoryPG)(nil)
