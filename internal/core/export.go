package core

import (
	"context"
	"errors"
	"feedformula/pkg/domain"
	"fmt"
)

// ErrExportUnavailable is returned by Export when no exporter is configured.
var ErrExportUnavailable = errors.New("no exporter configured")

// Export hands a consistent snapshot of every stage to the configured
// exporter. stage selects the action gate to check; AllStages checks every
// stage that has lines.
func (s *Service) Export(ctx context.Context, stage StageID) (domain.ExportArtifact, error) {
	var artifact domain.ExportArtifact
	err := s.run(ctx, "export", stage, func(ctx context.Context) (string, error) {
		if s.exporter == nil {
			return "", ErrExportUnavailable
		}
		snapshot, err := s.ExportSnapshot(ctx, stage)
		if err != nil {
			return "", err
		}
		artifact, err = s.exporter.Export(ctx, snapshot)
		if err != nil {
			return "", RemoteError{Op: "export", Err: err}
		}
		return artifact.Key, nil
	})
	return artifact, err
}

// ExportSnapshot gathers every stage's lines and totals in one read.
func (s *Service) ExportSnapshot(ctx context.Context, stage StageID) (domain.ExportSnapshot, error) {
	if stage != AllStages {
		if _, err := s.requireStage(stage); err != nil {
			return domain.ExportSnapshot{}, err
		}
	}
	snapshot := domain.ExportSnapshot{CapturedAt: s.clock.Now()}
	err := s.store.View(ctx, func(view TransactionView) error {
		stages := s.Stages()
		known := make(map[StageID]struct{}, len(stages))
		for _, st := range stages {
			known[st.ID] = struct{}{}
		}
		for _, id := range view.Stages() {
			if _, ok := known[id]; !ok {
				stages = append(stages, Stage{ID: id, Name: fmt.Sprintf("Stage %d", id)})
			}
		}
		for _, st := range stages {
			totals := view.Totals(st.ID)
			if (stage == AllStages || stage == st.ID) && !domain.ActionsAllowed(totals) {
				return ValidationError{
					Field:   "stage_id",
					Message: fmt.Sprintf("stage %d is at %s%%; export is closed from %s%%", st.ID, totals.TotalPercentage.StringFixed(domain.PercentagePlaces), domain.ActionGateCeiling),
				}
			}
			snapshot.Stages = append(snapshot.Stages, domain.StageComposition{
				Stage:  st,
				Lines:  view.ListLines(st.ID),
				Totals: totals,
			})
		}
		return nil
	})
	return snapshot, err
}
