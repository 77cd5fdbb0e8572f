package localapi

import (
	"feedformula/pkg/domain"

	"github.com/shopspring/decimal"
)

// DemoProducts is a small laying-hen ingredient catalogue for offline sessions.
func DemoProducts() []domain.Product {
	p := func(id domain.ProductID, name, price, category string) domain.Product {
		return domain.Product{ID: id, Name: name, PricePerKilo: decimal.RequireFromString(price), Category: category, Active: true}
	}
	return []domain.Product{
		p(1, "Maiz", "1.20", "Cereales"),
		p(2, "Soya", "1.80", "Proteicos"),
		p(3, "Afrecho", "0.90", "Subproductos"),
		p(4, "Carbonato de calcio", "0.35", "Minerales"),
		p(5, "Aceite de palma", "3.10", "Grasas"),
		p(6, "Fosfato dicalcico", "2.40", "Minerales"),
		p(7, "Sal", "0.50", "Minerales"),
		p(8, "Premezcla vitaminica", "6.80", "Aditivos"),
	}
}
