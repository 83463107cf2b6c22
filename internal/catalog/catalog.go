package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/venda/license-gateway/pkg/logger"
)

// Provisioning holds the parameters forwarded to the key-issuing service
// when a license for this product is created.
type Provisioning struct {
	TargetID  int `json:"targetId"`
	SlotLimit int `json:"slotLimit"`
}

type Product struct {
	ID           string       `json:"-"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Image        string       `json:"image"`
	Price        float64      `json:"price"`
	OrderLimit   *int         `json:"orderLimit,omitempty"` // nil = unlimited
	Provisioning Provisioning `json:"provisioning"`
	RoleID       string       `json:"roleId,omitempty"` // chat role granted by ownership, optional
}

func (p *Product) Free() bool {
	return p.Price == 0
}

// Catalog is the static product catalog plus the admin allow-list.
// It is loaded once at process start; changing it requires a restart.
type Catalog struct {
	products map[string]*Product
	admins   map[string]struct{}
}

type catalogFile struct {
	Products map[string]*Product `json:"products"`
	Admins   []string            `json:"admins"`
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Products) == 0 {
		return nil, fmt.Errorf("catalog has no products")
	}

	c := &Catalog{
		products: make(map[string]*Product, len(f.Products)),
		admins:   make(map[string]struct{}, len(f.Admins)),
	}
	for id, p := range f.Products {
		if p.Price < 0 {
			return nil, fmt.Errorf("product %s: negative price", id)
		}
		if p.OrderLimit != nil && *p.OrderLimit <= 0 {
			return nil, fmt.Errorf("product %s: orderLimit must be positive", id)
		}
		p.ID = id
		c.products[id] = p
	}
	for _, a := range f.Admins {
		c.admins[a] = struct{}{}
	}

	logger.Info("catalog loaded", "products", len(c.products), "admins", len(c.admins))
	return c, nil
}

// Product returns the catalog entry for id, or nil if it is not listed.
func (c *Catalog) Product(id string) *Product {
	return c.products[id]
}

func (c *Catalog) Products() []*Product {
	out := make([]*Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	return out
}

func (c *Catalog) IsAdmin(externalID string) bool {
	_, ok := c.admins[externalID]
	return ok
}
