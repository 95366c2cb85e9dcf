package postgres

import (
	"context"
	"errors"

	domain "github.com/tariky/3S-sub000/internal/domain"
	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/repositories"
)

// ItemImageRepository reads the primary image object of catalog products and variants.
type ItemImageRepository struct {
	db *ppostgres.UnitOfWork
}

var _ repositories.ItemImageRepository = (*ItemImageRepository)(nil)

func NewItemImageRepository(db *ppostgres.UnitOfWork) (*ItemImageRepository, error) {
	if db == nil {
		return nil, errors.New("item image repository requires postgres unit of work")
	}
	return &ItemImageRepository{db: db}, nil
}

// Resolve prefers a variant image and falls back to the product image. Refs without any image
// are omitted from the result.
func (r *ItemImageRepository) Resolve(ctx context.Context, refs []repositories.ItemImageRef) ([]domain.ItemImage, error) {
	productIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.ProductID != "" {
			productIDs = append(productIDs, ref.ProductID)
		}
	}
	productIDs = normalizeIDs(productIDs)
	if len(productIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Conn(ctx).Query(ctx, `SELECT DISTINCT ON (product_id, variant_id) product_id, variant_id, object_path
	FROM product_images WHERE product_id = ANY($1)
	ORDER BY product_id, variant_id, position`, productIDs)
	if err != nil {
		return nil, ppostgres.WrapError("item_image.resolve", err)
	}
	defer rows.Close()

	type key struct{ product, variant string }
	paths := make(map[key]string)
	for rows.Next() {
		var productID, variantID, path string
		if err := rows.Scan(&productID, &variantID, &path); err != nil {
			return nil, ppostgres.WrapError("item_image.resolve", err)
		}
		paths[key{productID, variantID}] = path
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("item_image.resolve", err)
	}

	images := make([]domain.ItemImage, 0, len(refs))
	for _, ref := range refs {
		path, ok := "", false
		if ref.VariantID != "" {
			path, ok = paths[key{ref.ProductID, ref.VariantID}]
		}
		if !ok {
			path, ok = paths[key{ref.ProductID, ""}]
		}
		if !ok {
			continue
		}
		images = append(images, domain.ItemImage{ProductID: ref.ProductID, VariantID: ref.VariantID, ObjectPath: path})
	}
	return images, nil
}
