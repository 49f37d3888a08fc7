package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"github.com/surahj/ai-interviewer/internal/models"
	pkgerrors "github.com/surahj/ai-interviewer/pkg/errors"
)

// Catalog is the read-only set of credit packages users can buy.
type Catalog struct {
	packages map[string]models.CreditPackage
	order    []string
}

type file struct {
	Packages []models.CreditPackage `toml:"package"`
}

// Default is used when no catalog file is configured.
func Default() *Catalog {
	c, _ := New([]models.CreditPackage{
		{ID: "starter", Name: "Starter", Credits: 100, Price: decimal.RequireFromString("9.99"), Currency: "usd", IsActive: true},
		{ID: "professional", Name: "Professional", Credits: 300, Price: decimal.RequireFromString("24.99"), Currency: "usd", IsActive: true},
		{ID: "premium", Name: "Premium", Credits: 1000, Price: decimal.RequireFromString("69.99"), Currency: "usd", IsActive: true},
	})
	return c
}

func New(packages []models.CreditPackage) (*Catalog, error) {
	c := &Catalog{packages: make(map[string]models.CreditPackage, len(packages))}
	for _, p := range packages {
		if p.ID == "" {
			return nil, fmt.Errorf("package %q: id is required", p.Name)
		}
		if _, ok := c.packages[p.ID]; ok {
			return nil, fmt.Errorf("package %q: duplicate id", p.ID)
		}
		if p.Credits <= 0 {
			return nil, fmt.Errorf("package %q: credits must be positive", p.ID)
		}
		if !p.Price.IsPositive() {
			return nil, fmt.Errorf("package %q: price must be positive", p.ID)
		}
		if p.Currency == "" {
			p.Currency = "usd"
		}
		p.Currency = strings.ToLower(p.Currency)
		c.packages[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.packages[c.order[i]].Credits < c.packages[c.order[j]].Credits
	})
	return c, nil
}

// Load reads a TOML catalog:
//
//	[[package]]
//	id = "starter"
//	name = "Starter"
//	credits = 100
//	price = "9.99"
//	currency = "usd"
//	is_active = true
func Load(path string) (*Catalog, error) {
	var f file
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode catalog %s: %w", path, err)
	}
	c, err := New(f.Packages)
	if err != nil {
		return nil, err
	}
	slog.Info("credit catalog loaded", "path", path, "packages", len(c.order))
	return c, nil
}

// Get returns a package by id, active or not.
func (c *Catalog) Get(id string) (models.CreditPackage, error) {
	p, ok := c.packages[id]
	if !ok {
		return models.CreditPackage{}, pkgerrors.ErrPackageNotFound
	}
	return p, nil
}

// Purchasable returns a package that can currently be bought.
func (c *Catalog) Purchasable(id string) (models.CreditPackage, error) {
	p, err := c.Get(id)
	if err != nil {
		return p, err
	}
	if !p.IsActive {
		return p, pkgerrors.ErrPackageInactive
	}
	return p, nil
}

// Active lists buyable packages, cheapest first.
func (c *Catalog) Active() []models.CreditPackage {
	out := make([]models.CreditPackage, 0, len(c.order))
	for _, id := range c.order {
		if p := c.packages[id]; p.IsActive {
			out = append(out, p)
		}
	}
	return out
}
