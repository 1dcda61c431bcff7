package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/store"
)

// Directory resolves product ids to display metadata. Pricing and stock live
// in the inventory ledger; the directory only carries descriptive fields.
type Directory interface {
	Product(ctx context.Context, productID string) (*domain.CatalogProduct, error)
	Products(ctx context.Context, productIDs []string) (map[string]domain.CatalogProduct, error)
	List(ctx context.Context) ([]domain.CatalogProduct, error)
}

type ProductCache interface {
	Get(ctx context.Context, key string) (*domain.CatalogProduct, bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]domain.CatalogProduct, error)
	Set(ctx context.Context, key string, value *domain.CatalogProduct, ttl time.Duration) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.CatalogProduct, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) GetMany(_ context.Context, _ []string) (map[string]domain.CatalogProduct, error) {
	return map[string]domain.CatalogProduct{}, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ *domain.CatalogProduct, _ time.Duration) error {
	return nil
}

func productKey(productID string) string {
	return "catalog:product:" + productID
}

type StaticDirectory struct {
	products map[string]domain.CatalogProduct
	order    []string
}

func NewSeededDirectory() *StaticDirectory {
	products := []domain.CatalogProduct{
		{ID: "producto_001", Name: "Paracetamol 500mg", Description: "Analgesico y antipiretico"},
		{ID: "producto_002", Name: "Ibuprofeno 400mg", Description: "Antiinflamatorio no esteroideo"},
		{ID: "producto_003", Name: "Aspirina 100mg", Description: "Acido acetilsalicilico"},
	}
	byID := make(map[string]domain.CatalogProduct, len(products))
	order := make([]string, 0, len(products))
	for _, p := range products {
		byID[p.ID] = p
		order = append(order, p.ID)
	}
	return &StaticDirectory{products: byID, order: order}
}

func (d *StaticDirectory) Product(_ context.Context, productID string) (*domain.CatalogProduct, error) {
	p, exists := d.products[productID]
	if !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	copyP := p
	return &copyP, nil
}

func (d *StaticDirectory) Products(_ context.Context, productIDs []string) (map[string]domain.CatalogProduct, error) {
	out := make(map[string]domain.CatalogProduct, len(productIDs))
	for _, id := range productIDs {
		if p, exists := d.products[id]; exists {
			out[id] = p
		}
	}
	return out, nil
}

func (d *StaticDirectory) List(_ context.Context) ([]domain.CatalogProduct, error) {
	out := make([]domain.CatalogProduct, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.products[id])
	}
	return out, nil
}

// CachedDirectory is a read-through wrapper. Cache failures degrade to the
// inner directory, never to a request failure.
type CachedDirectory struct {
	inner Directory
	cache ProductCache
	ttl   time.Duration
}

func NewCachedDirectory(inner Directory, cache ProductCache, ttl time.Duration) *CachedDirectory {
	if cache == nil {
		cache = NoopProductCache{}
	}
	return &CachedDirectory{inner: inner, cache: cache, ttl: ttl}
}

func (d *CachedDirectory) Product(ctx context.Context, productID string) (*domain.CatalogProduct, error) {
	key := productKey(productID)
	if cached, ok, err := d.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	}
	p, err := d.inner.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	_ = d.cache.Set(ctx, key, p, d.ttl)
	return p, nil
}

// Products resolves a batch in one cache round trip and fills misses from the
// inner directory. Unknown ids are omitted rather than failing the batch.
func (d *CachedDirectory) Products(ctx context.Context, productIDs []string) (map[string]domain.CatalogProduct, error) {
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = productKey(id)
	}

	cached, err := d.cache.GetMany(ctx, keys)
	if err != nil {
		cached = nil
	}

	out := make(map[string]domain.CatalogProduct, len(productIDs))
	for i, id := range productIDs {
		if p, ok := cached[keys[i]]; ok {
			out[id] = p
		}
	}
	for _, id := range productIDs {
		if _, ok := out[id]; ok {
			continue
		}
		p, err := d.inner.Product(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		_ = d.cache.Set(ctx, productKey(id), p, d.ttl)
		out[id] = *p
	}
	return out, nil
}

func (d *CachedDirectory) List(ctx context.Context) ([]domain.CatalogProduct, error) {
	return d.inner.List(ctx)
}
