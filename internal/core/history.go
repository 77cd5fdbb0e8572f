package core

import (
	"context"
	"feedformula/pkg/domain"
	"sort"
	"time"
)

// History reads snapshots and change records from the remote history service.
type History struct {
	svc    *Service
	remote domain.HistoryService
}

// NewHistory binds a history service to the recipe service whose stages and
// lines it compares against.
func NewHistory(svc *Service, remote domain.HistoryService) *History {
	return &History{svc: svc, remote: remote}
}

// Changes returns the identified change records of stage captured between the
// calendar days from and to, both inclusive, oldest first. The days are read
// in the caller's zone and bounded at UTC midnight, the zone the remote stamps
// records in. Records without a modified product are dropped.
func (h *History) Changes(ctx context.Context, stage StageID, from, to time.Time) ([]ChangeRecord, error) {
	if stage == AllStages {
		return nil, ValidationError{Field: "stage_id", Message: "a stage is required"}
	}
	if _, err := h.svc.requireStage(stage); err != nil {
		return nil, err
	}
	if from.IsZero() || to.IsZero() {
		return nil, ValidationError{Field: "dates", Message: "both from and to dates are required"}
	}
	start, end := dayStart(from), dayStart(to).AddDate(0, 0, 1)
	if !start.Before(end) {
		return nil, ValidationError{Field: "dates", Message: "from date is after to date"}
	}
	records, err := h.remote.QuerySnapshots(ctx, stage, start, end)
	if err != nil {
		return nil, RemoteError{Op: "query_snapshots", Err: err}
	}
	kept, dropped := domain.FilterChangeRecords(records)
	if dropped > 0 {
		h.svc.logger.Warn("dropped change records without a product", "stage", int(stage), "dropped", dropped)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
	return kept, nil
}

// dayStart returns UTC midnight of the calendar day t falls on in its own zone.
func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Snapshot fetches the full composition of a snapshot. A snapshot naming its
// stage only by name is resolved against the stage catalogue.
func (h *History) Snapshot(ctx context.Context, id SnapshotID) (HistoricalSnapshot, error) {
	snap, err := h.remote.FetchSnapshotDetail(ctx, id)
	if err != nil {
		return HistoricalSnapshot{}, RemoteError{Op: "fetch_snapshot", Err: err}
	}
	if snap.ID == 0 {
		snap.ID = id
	}
	if snap.StageID == AllStages {
		st, ok := h.svc.StageByName(snap.StageName)
		if !ok {
			return HistoricalSnapshot{}, NotFoundError{Entity: EntityStage, ID: snap.StageName}
		}
		snap.StageID = st.ID
	}
	if snap.StageName == "" {
		if st, ok := h.svc.Stage(snap.StageID); ok {
			snap.StageName = st.Name
		}
	}
	return snap, nil
}

// CompareWithCurrent lists what restoring snapshot id would change in the
// live composition of its stage.
func (h *History) CompareWithCurrent(ctx context.Context, id SnapshotID) ([]ChangeRecord, error) {
	snap, err := h.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	st, ok := h.svc.Stage(snap.StageID)
	if !ok {
		st = Stage{ID: snap.StageID, Name: snap.StageName}
	}
	current := domain.NewSnapshot(0, st, h.svc.Lines(snap.StageID), h.svc.clock.Now())
	return domain.DiffCompositions(current, snap), nil
}
