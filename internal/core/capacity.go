package core

import (
	"context"
	"feedformula/pkg/domain"

	"github.com/shopspring/decimal"
)

// SetCapacity records a custom kilogram capacity for stage. Percentages are
// not rescaled; the stage totals carry the capacity as an annotation.
func (s *Service) SetCapacity(ctx context.Context, stage StageID, kilograms decimal.Decimal) error {
	return s.run(ctx, "set_capacity", stage, func(ctx context.Context) (string, error) {
		if !kilograms.IsPositive() {
			return "", ValidationError{Field: "kilograms", Message: "capacity must be greater than zero"}
		}
		if _, err := s.requireStage(stage); err != nil {
			return "", err
		}
		if err := s.requireActionsAllowed(stage); err != nil {
			return "", err
		}
		return formatID(stage), s.commit(ctx, func(tx Transaction) error {
			return tx.SetCapacity(stage, kilograms)
		})
	})
}

// Capacity returns the custom capacity of stage, if one was set.
func (s *Service) Capacity(stage StageID) (decimal.Decimal, bool) {
	return s.store.Capacity(stage)
}

// CapacityOrDefault returns the custom capacity of stage or the kilograms
// implied by its percentage total.
func (s *Service) CapacityOrDefault(stage StageID) decimal.Decimal {
	if kg, ok := s.store.Capacity(stage); ok {
		return kg
	}
	return domain.KilogramsFor(s.store.Totals(stage).TotalPercentage)
}
