package config

import (
	"bytes"
	"errors"
	"feedformula/pkg/domain"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalogue is the YAML-configurable stage and product list.
//
//	stages:
//	  - {id: 1, name: Pollita, start_week: 1, end_week: 8}
//	products:
//	  - {id: 10, name: Maiz, price_per_kilo: "1.20", category: Cereales}
type Catalogue struct {
	Stages   []domain.Stage
	Products []domain.Product
}

type stageYAML struct {
	ID        int    `yaml:"id"`
	Name      string `yaml:"name"`
	StartWeek int    `yaml:"start_week"`
	EndWeek   int    `yaml:"end_week"`
}

type productYAML struct {
	ID           int64  `yaml:"id"`
	Name         string `yaml:"name"`
	PricePerKilo string `yaml:"price_per_kilo"`
	Category     string `yaml:"category"`
	Active       *bool  `yaml:"active"`
}

type catalogueYAML struct {
	Stages   []stageYAML   `yaml:"stages"`
	Products []productYAML `yaml:"products"`
}

// LoadCatalogue reads and validates a catalogue file.
func LoadCatalogue(path string) (Catalogue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read catalogue: %w", err)
	}
	cat, err := ParseCatalogue(raw)
	if err != nil {
		return Catalogue{}, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalogue decodes YAML. Unknown fields are rejected.
func ParseCatalogue(raw []byte) (Catalogue, error) {
	var doc catalogueYAML
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Catalogue{}, fmt.Errorf("decode catalogue: %w", err)
	}

	var cat Catalogue
	stageIDs := map[int]bool{}
	for i, s := range doc.Stages {
		name := strings.TrimSpace(s.Name)
		switch {
		case s.ID <= 0:
			return Catalogue{}, fmt.Errorf("stages[%d]: id must be positive", i)
		case name == "":
			return Catalogue{}, fmt.Errorf("stages[%d]: name required", i)
		case stageIDs[s.ID]:
			return Catalogue{}, fmt.Errorf("stages[%d]: duplicate id %d", i, s.ID)
		case s.EndWeek != 0 && s.EndWeek < s.StartWeek:
			return Catalogue{}, fmt.Errorf("stages[%d]: end_week before start_week", i)
		}
		stageIDs[s.ID] = true
		cat.Stages = append(cat.Stages, domain.Stage{ID: domain.StageID(s.ID), Name: name, StartWeek: s.StartWeek, EndWeek: s.EndWeek})
	}

	productIDs := map[int64]bool{}
	for i, p := range doc.Products {
		name := strings.TrimSpace(p.Name)
		switch {
		case p.ID <= 0:
			return Catalogue{}, fmt.Errorf("products[%d]: id must be positive", i)
		case name == "":
			return Catalogue{}, fmt.Errorf("products[%d]: name required", i)
		case productIDs[p.ID]:
			return Catalogue{}, fmt.Errorf("products[%d]: duplicate id %d", i, p.ID)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(p.PricePerKilo))
		if err != nil || price.IsNegative() {
			return Catalogue{}, fmt.Errorf("products[%d]: invalid price_per_kilo %q", i, p.PricePerKilo)
		}
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		productIDs[p.ID] = true
		cat.Products = append(cat.Products, domain.Product{
			ID:           domain.ProductID(p.ID),
			Name:         name,
			PricePerKilo: price,
			Category:     strings.TrimSpace(p.Category),
			Active:       active,
		})
	}
	return cat, nil
}
