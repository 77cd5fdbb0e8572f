package core

import "feedformula/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	StageID            = domain.StageID
	ProductID          = domain.ProductID
	LineID             = domain.LineID
	SnapshotID         = domain.SnapshotID
	Product            = domain.Product
	Stage              = domain.Stage
	RecipeLine         = domain.RecipeLine
	StageTotals        = domain.StageTotals
	HistoricalSnapshot = domain.HistoricalSnapshot
	ChangeRecord       = domain.IngredientChangeRecord
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	ValidationError    = domain.ValidationError
	NotFoundError      = domain.NotFoundError
	RemoteError        = domain.RemoteError
)

const (
	EntityRecipeLine       = domain.EntityRecipeLine
	EntityStageComposition = domain.EntityStageComposition
	EntityCustomCapacity   = domain.EntityCustomCapacity
	EntityProduct          = domain.EntityProduct
	EntityStage            = domain.EntityStage
	EntitySnapshot         = domain.EntitySnapshot
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate  = domain.ActionCreate
	ActionUpdate  = domain.ActionUpdate
	ActionDelete  = domain.ActionDelete
	ActionReplace = domain.ActionReplace
)

// AllStages disables stage filtering.
const AllStages = domain.AllStages
