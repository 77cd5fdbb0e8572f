package core

import (
	"context"
	"feedformula/pkg/domain"
	"fmt"

	"github.com/shopspring/decimal"
)

// NewActionGateRule returns a warn-level rule flagging stages left at or past
// the action gate by a composition replace. Replaces are allowed to overshoot;
// the warning tells the operator that stage actions are now closed.
func NewActionGateRule() domain.Rule {
	return actionGateRule{}
}

type actionGateRule struct{}

func (actionGateRule) Name() string { return "action_gate" }

func (r actionGateRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	seen := make(map[domain.StageID]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityStageComposition || change.Action != domain.ActionReplace {
			continue
		}
		installed, _ := change.After.([]domain.RecipeLine)
		for _, line := range installed {
			if _, dup := seen[line.StageID]; dup {
				continue
			}
			seen[line.StageID] = struct{}{}
			totals := domain.ComputeTotals(view.ListLines(line.StageID), line.StageID, decimal.Zero)
			if domain.ActionsAllowed(totals) {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("stage %d total %s%% closes stage actions", line.StageID, totals.TotalPercentage.StringFixed(domain.PercentagePlaces)),
				Entity:   domain.EntityStageComposition,
				StageID:  line.StageID,
			})
		}
	}
	return res, nil
}
