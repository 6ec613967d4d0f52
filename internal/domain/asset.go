package domain

import "time"

// Asset holds canonical URLs and storage paths for the mesh and texture
// channels produced by a job. The pipeline writes into assets but does not
// own their lifecycle; creation and deletion happen elsewhere.
type Asset struct {
	ID                   string
	OwnerID              string
	SourceJobID          *string
	Title                *string
	MeshURL              *string
	TextureURL           *string
	PBRMetalnessURL      *string
	PBRRoughnessURL      *string
	PBRNormalURL         *string
	MeshStoragePath      *string
	TextureStoragePath   *string
	MetalnessStoragePath *string
	RoughnessStoragePath *string
	NormalStoragePath    *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AssetPatch carries the fields the pipeline is allowed to update on an
// asset. Nil fields are left untouched.
type AssetPatch struct {
	SourceJobID          string
	MeshURL              *string
	TextureURL           *string
	PBRMetalnessURL      *string
	PBRRoughnessURL      *string
	PBRNormalURL         *string
	MeshStoragePath      *string
	TextureStoragePath   *string
	MetalnessStoragePath *string
	RoughnessStoragePath *string
	NormalStoragePath    *string
}
