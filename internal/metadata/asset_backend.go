package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepliif/mlops/internal/assets"
)

// AssetStore is the part of the asset client the metadata documents live
// in.
type AssetStore interface {
	Latest(ctx context.Context, name string) (assets.Asset, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
	UploadBytes(ctx context.Context, name string, data []byte, overwrite bool) (string, error)
}

// AssetBackend stores documents as data assets. The version of a document
// is the id of the most recent asset carrying its name.
type AssetBackend struct {
	assets AssetStore
}

// NewAssetBackend creates a backend on top of an asset client.
func NewAssetBackend(store AssetStore) *AssetBackend {
	return &AssetBackend{assets: store}
}

func (b *AssetBackend) latest(ctx context.Context, name string) (string, error) {
	asset, err := b.assets.Latest(ctx, name)
	if errors.Is(err, assets.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return asset.ID, nil
}

func (b *AssetBackend) Get(ctx context.Context, name string) (Document, error) {
	id, err := b.latest(ctx, name)
	if err != nil {
		return Document{}, err
	}
	if id == "" {
		return Document{}, fmt.Errorf("data asset %s: %w", name, ErrNotFound)
	}

	data, err := b.assets.Fetch(ctx, id)
	if err != nil {
		return Document{}, err
	}
	return Document{Data: data, Version: id}, nil
}

func (b *AssetBackend) Put(ctx context.Context, name string, data []byte, version string) (string, error) {
	current, err := b.latest(ctx, name)
	if err != nil {
		return "", err
	}
	if current != version {
		return "", fmt.Errorf("data asset %s is at %q, expected %q: %w", name, current, version, ErrConflict)
	}

	return b.assets.UploadBytes(ctx, name, data, true)
}
