package core

import (
	"context"
	"errors"
	"feedformula/pkg/domain"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RestoreState is the per-stage state of the restore workflow.
type RestoreState string

const (
	RestoreIdle                 RestoreState = "idle"
	RestoreAwaitingConfirmation RestoreState = "awaiting_confirmation"
	RestoreRestoring            RestoreState = "restoring"
)

// ErrRestoreInFlight is returned when a stage already has a restore running.
var ErrRestoreInFlight = errors.New("restore already in flight for stage")

// InvalidTransitionError reports a workflow action not allowed in the current state.
type InvalidTransitionError struct {
	Stage  StageID
	From   RestoreState
	Action string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s restore of stage %d while %s", e.Action, e.Stage, e.From)
}

// RestoreReport summarizes a completed restore.
type RestoreReport struct {
	OperationID uuid.UUID
	Stage       StageID
	SnapshotID  SnapshotID
	Lines       []RecipeLine
	Totals      StageTotals
}

type restoreSlot struct {
	state    RestoreState
	snapshot HistoricalSnapshot
}

// RestoreWorkflow copies a historical snapshot back into the recipe store
// after an explicit confirmation. Each stage runs its own
// Idle -> AwaitingConfirmation -> Restoring -> Idle cycle.
type RestoreWorkflow struct {
	svc     *Service
	history *History

	mu        sync.Mutex
	slots     map[StageID]*restoreSlot
	inspected *HistoricalSnapshot
}

// NewRestoreWorkflow constructs a workflow over svc and history.
func NewRestoreWorkflow(svc *Service, history *History) *RestoreWorkflow {
	return &RestoreWorkflow{svc: svc, history: history, slots: make(map[StageID]*restoreSlot)}
}

func (w *RestoreWorkflow) slot(stage StageID) *restoreSlot {
	sl, ok := w.slots[stage]
	if !ok {
		sl = &restoreSlot{state: RestoreIdle}
		w.slots[stage] = sl
	}
	return sl
}

// State reports the workflow state of stage.
func (w *RestoreWorkflow) State(stage StageID) RestoreState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slot(stage).state
}

// Pending returns the snapshot awaiting confirmation for stage.
func (w *RestoreWorkflow) Pending(stage StageID) (HistoricalSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sl := w.slot(stage)
	if sl.state != RestoreAwaitingConfirmation {
		return HistoricalSnapshot{}, false
	}
	return sl.snapshot, true
}

// Inspect fetches a snapshot and remembers it as the current selection. The
// recipe store is not touched.
func (w *RestoreWorkflow) Inspect(ctx context.Context, id SnapshotID) (HistoricalSnapshot, error) {
	snap, err := w.history.Snapshot(ctx, id)
	if err != nil {
		return HistoricalSnapshot{}, err
	}
	w.mu.Lock()
	w.inspected = &snap
	w.mu.Unlock()
	return snap, nil
}

// Request asks to restore snapshot id into stage and waits for Confirm or Cancel.
func (w *RestoreWorkflow) Request(ctx context.Context, stage StageID, id SnapshotID) error {
	if err := w.checkRequest(stage); err != nil {
		return err
	}
	w.mu.Lock()
	var snap HistoricalSnapshot
	found := false
	if w.inspected != nil && w.inspected.ID == id {
		snap, found = *w.inspected, true
	}
	w.mu.Unlock()
	if !found {
		var err error
		if snap, err = w.history.Snapshot(ctx, id); err != nil {
			return err
		}
	}
	if snap.StageID != stage {
		return ValidationError{Field: "stage_id", Message: fmt.Sprintf("snapshot %d belongs to stage %d, not %d", id, snap.StageID, stage)}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sl := w.slot(stage)
	if sl.state != RestoreIdle {
		return w.transitionError(stage, sl.state, "request")
	}
	sl.state = RestoreAwaitingConfirmation
	sl.snapshot = snap
	w.svc.logger.Info("restore requested", "stage", int(stage), "snapshot_id", int64(id))
	return nil
}

func (w *RestoreWorkflow) checkRequest(stage StageID) error {
	if _, err := w.svc.requireStage(stage); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if st := w.slot(stage).state; st != RestoreIdle {
		return w.transitionError(stage, st, "request")
	}
	return nil
}

func (w *RestoreWorkflow) transitionError(stage StageID, from RestoreState, action string) error {
	if from == RestoreRestoring {
		return fmt.Errorf("stage %d: %w", stage, ErrRestoreInFlight)
	}
	return InvalidTransitionError{Stage: stage, From: from, Action: action}
}

// Cancel drops the pending request of stage without side effects.
func (w *RestoreWorkflow) Cancel(stage StageID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	sl := w.slot(stage)
	if sl.state != RestoreAwaitingConfirmation {
		return w.transitionError(stage, sl.state, "cancel")
	}
	sl.state = RestoreIdle
	sl.snapshot = HistoricalSnapshot{}
	w.svc.logger.Info("restore cancelled", "stage", int(stage))
	return nil
}

// Confirm runs the pending restore of stage: the remote restore, then the
// local composition swap, then a full reload. The restore runs to completion
// even if ctx is cancelled. The stage returns to Idle whatever the outcome.
func (w *RestoreWorkflow) Confirm(ctx context.Context, stage StageID) (RestoreReport, error) {
	w.mu.Lock()
	sl := w.slot(stage)
	if sl.state != RestoreAwaitingConfirmation {
		state := sl.state
		w.mu.Unlock()
		return RestoreReport{}, w.transitionError(stage, state, "confirm")
	}
	sl.state = RestoreRestoring
	snap := sl.snapshot
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		sl.state = RestoreIdle
		sl.snapshot = HistoricalSnapshot{}
		w.mu.Unlock()
	}()

	report := RestoreReport{OperationID: uuid.New(), Stage: stage, SnapshotID: snap.ID}
	ctx = context.WithoutCancel(ctx)
	err := w.svc.run(ctx, "restore_snapshot", stage, func(ctx context.Context) (string, error) {
		lines := domain.LinesFromSnapshot(snap)
		for i := range lines {
			lines[i].StageID = stage
		}
		if err := domain.ValidateComposition(lines); err != nil {
			return "", err
		}
		if err := w.history.remote.RestoreSnapshot(ctx, snap.ID); err != nil {
			return "", RemoteError{Op: "restore_snapshot", Err: err}
		}
		if _, err := w.svc.replaceStage(ctx, stage, lines); err != nil {
			return "", err
		}
		w.svc.logger.Info("snapshot restored", "operation_id", report.OperationID.String(), "stage", int(stage), "snapshot_id", int64(snap.ID))
		if err := w.svc.Reload(ctx); err != nil {
			return "", fmt.Errorf("reload after restore: %w", err)
		}
		return report.OperationID.String(), nil
	})
	report.Lines = w.svc.Lines(stage)
	report.Totals = w.svc.Totals(stage)
	return report, err
}
