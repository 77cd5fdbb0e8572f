package core

import (
	"context"
	"feedformula/pkg/domain"
	"fmt"

	"github.com/shopspring/decimal"
)

// NewPercentageCeilingRule returns the in-transaction rule keeping every stage
// touched by a line create or update at or below 100% of a tonne.
func NewPercentageCeilingRule() domain.Rule {
	return percentageCeilingRule{}
}

type percentageCeilingRule struct{}

func (percentageCeilingRule) Name() string { return "percentage_ceiling" }

func (r percentageCeilingRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, stage := range touchedStages(changes, domain.ActionCreate, domain.ActionUpdate) {
		total := domain.ComputeTotals(view.ListLines(stage), stage, decimal.Zero).TotalPercentage
		if domain.ExceedsLineCeiling(total) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("stage %d total %s%% exceeds %s%%", stage, total.StringFixed(domain.PercentagePlaces), domain.LineTotalCeiling),
				Entity:   domain.EntityRecipeLine,
				StageID:  stage,
			})
		}
	}
	return res, nil
}

// touchedStages lists, in first-seen order, the stages of recipe line changes
// carrying one of the given actions.
func touchedStages(changes []domain.Change, actions ...domain.Action) []domain.StageID {
	seen := make(map[domain.StageID]struct{})
	var out []domain.StageID
	for _, change := range changes {
		if change.Entity != domain.EntityRecipeLine || !hasAction(actions, change.Action) {
			continue
		}
		line, ok := change.After.(domain.RecipeLine)
		if !ok {
			continue
		}
		if _, dup := seen[line.StageID]; dup {
			continue
		}
		seen[line.StageID] = struct{}{}
		out = append(out, line.StageID)
	}
	return out
}

func hasAction(actions []domain.Action, action domain.Action) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
