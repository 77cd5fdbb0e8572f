package httpapi

import (
	"bytes"
	"encoding/json"
	"feedformula/pkg/domain"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The remote API speaks Spanish field names and is loose about types: a
// product may be referenced by ID or by name, stages by ID or by name, and
// timestamps come with or without a zone.

type productWire struct {
	ID           int64           `json:"id"`
	Name         string          `json:"nombre"`
	PricePerKilo decimal.Decimal `json:"precio_kilo"`
	Category     string          `json:"categoria_nombre,omitempty"`
	Active       *bool           `json:"activo,omitempty"`
}

func (p productWire) toDomain() domain.Product {
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return domain.Product{
		ID:           domain.ProductID(p.ID),
		Name:         strings.TrimSpace(p.Name),
		PricePerKilo: p.PricePerKilo,
		Category:     p.Category,
		Active:       active,
	}
}

type lineWire struct {
	ID              int64            `json:"id"`
	Product         reference        `json:"producto"`
	ProductID       int64            `json:"producto_id,omitempty"`
	ProductName     string           `json:"producto_nombre,omitempty"`
	StageID         int              `json:"etapa_id,omitempty"`
	Stage           reference        `json:"etapa"`
	Percentage      decimal.Decimal  `json:"porcentaje_tonelada"`
	CostWithoutTax  decimal.Decimal  `json:"costo_sin_iva"`
	CostWithTax     decimal.Decimal  `json:"costo_con_iva"`
	CustomKilograms *decimal.Decimal `json:"kilogramos_personalizados,omitempty"`
	CreatedAt       wireTime         `json:"fecha_creacion"`
	UpdatedAt       wireTime         `json:"fecha_actualizacion"`
}

func (l lineWire) toDomain() domain.RecipeLine {
	line := domain.RecipeLine{
		ID:              domain.LineID(l.ID),
		ProductID:       domain.ProductID(l.ProductID),
		ProductName:     strings.TrimSpace(l.ProductName),
		StageID:         domain.StageID(l.StageID),
		Percentage:      l.Percentage,
		CostWithoutTax:  l.CostWithoutTax,
		CostWithTax:     l.CostWithTax,
		CustomKilograms: l.CustomKilograms,
		CreatedAt:       l.CreatedAt.Time,
		UpdatedAt:       l.UpdatedAt.Time,
	}
	if line.ProductID == 0 {
		line.ProductID = domain.ProductID(l.Product.ID)
	}
	if line.ProductName == "" {
		line.ProductName = l.Product.Name
	}
	if line.StageID == 0 {
		line.StageID = domain.StageID(l.Stage.ID)
	}
	return line
}

type createLineWire struct {
	Stage      domain.StageID   `json:"etapa"`
	Product    domain.ProductID `json:"producto"`
	Percentage decimal.Decimal  `json:"porcentaje_tonelada"`
}

func (w createLineWire) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Stage      domain.StageID   `json:"etapa"`
		Product    domain.ProductID `json:"producto"`
		Percentage json.Number      `json:"porcentaje_tonelada"`
	}{w.Stage, w.Product, json.Number(w.Percentage.String())})
}

type patchLineWire struct {
	Percentage decimal.Decimal
}

func (w patchLineWire) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]json.Number{"porcentaje_tonelada": json.Number(w.Percentage.String())})
}

type productRefWire struct {
	ID   int64  `json:"producto_id"`
	Name string `json:"producto_nombre"`
}

type changeWire struct {
	ID                int64            `json:"id"`
	SnapshotID        int64            `json:"historico_receta_id,omitempty"`
	RecipeID          int64            `json:"receta_id,omitempty"`
	ModifiedProduct   *productRefWire  `json:"producto_modificado"`
	PercentageBefore  *decimal.Decimal `json:"porcentaje_total_anterior"`
	PercentageCurrent decimal.Decimal  `json:"porcentaje_total_actual"`
	CreatedAt         wireTime         `json:"fecha_creacion"`
}

func (c changeWire) toDomain() domain.IngredientChangeRecord {
	rec := domain.IngredientChangeRecord{
		ID:               c.ID,
		SnapshotID:       domain.SnapshotID(c.SnapshotID),
		PercentageBefore: c.PercentageBefore,
		PercentageAfter:  c.PercentageCurrent,
		CreatedAt:        c.CreatedAt.Time,
	}
	if rec.SnapshotID == 0 {
		rec.SnapshotID = domain.SnapshotID(c.RecipeID)
	}
	if c.ModifiedProduct != nil {
		rec.ModifiedProduct = &domain.ProductRef{
			ID:   domain.ProductID(c.ModifiedProduct.ID),
			Name: strings.TrimSpace(c.ModifiedProduct.Name),
		}
	}
	return rec
}

type ingredientWire struct {
	ProductID      int64            `json:"producto_id"`
	ProductName    string           `json:"producto_nombre"`
	Percentage     decimal.Decimal  `json:"porcentaje_tonelada"`
	Kilograms      *decimal.Decimal `json:"kilogramos"`
	CostWithoutTax decimal.Decimal  `json:"costo_sin_iva"`
	CostWithTax    decimal.Decimal  `json:"costo_con_iva"`
}

type snapshotWire struct {
	ID              int64            `json:"receta_id"`
	Stage           reference        `json:"etapa"`
	StageID         int              `json:"etapa_id,omitempty"`
	UpdatedAt       wireTime         `json:"fecha_actualizacion"`
	Ingredients     []ingredientWire `json:"ingredientes"`
	TotalPercentage decimal.Decimal  `json:"porcentaje_total"`
}

func (s snapshotWire) toDomain() domain.HistoricalSnapshot {
	snap := domain.HistoricalSnapshot{
		ID:              domain.SnapshotID(s.ID),
		StageID:         domain.StageID(s.StageID),
		StageName:       s.Stage.Name,
		CapturedAt:      s.UpdatedAt.Time,
		TotalPercentage: s.TotalPercentage,
		Ingredients:     make([]domain.SnapshotIngredient, 0, len(s.Ingredients)),
	}
	if snap.StageID == 0 {
		snap.StageID = domain.StageID(s.Stage.ID)
	}
	for _, ing := range s.Ingredients {
		snap.Ingredients = append(snap.Ingredients, domain.SnapshotIngredient{
			ProductID:      domain.ProductID(ing.ProductID),
			ProductName:    strings.TrimSpace(ing.ProductName),
			Percentage:     ing.Percentage,
			Kilograms:      ing.Kilograms,
			CostWithoutTax: ing.CostWithoutTax,
			CostWithTax:    ing.CostWithTax,
		})
	}
	return snap
}

type restoreWire struct {
	SnapshotID domain.SnapshotID `json:"historico_receta_id"`
}

// reference decodes a field holding either a numeric ID, a display name, or
// an {"id", "nombre"} object.
type reference struct {
	ID   int64
	Name string
}

func (r *reference) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.Name = strings.TrimSpace(s)
		return nil
	case data[0] == '{':
		var obj struct {
			ID   int64  `json:"id"`
			Name string `json:"nombre"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		r.ID, r.Name = obj.ID, strings.TrimSpace(obj.Name)
		return nil
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("reference %s: %w", data, err)
	}
	r.ID = id
	return nil
}

// wireTime accepts RFC 3339 timestamps, zone-less timestamps (read as UTC)
// and plain dates.
type wireTime struct {
	time.Time
}

var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	dateLayout,
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	var s string
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range wireTimeLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unrecognized layout", s)
}
