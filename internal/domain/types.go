package domain

import (
	"encoding/json"
	"time"
)

// Source table names used as watermark keys. The "timeline" stream is a
// synthetic union over several source tables, so it gets its own key.
const (
	TableScenario  = "public.fc_scenario"
	TableNodeData  = "public.fc_scenario_node_data"
	TableRun       = "public.fc_scenario_run"
	TableNodeCalc  = "public.fc_scenario_node_calc"
	TableEventData = "public.fc_scenario_event_data"
	TableTimeline  = "timeline"
)

// ScenarioRow is one scenario with model and forecast-cycle context
// pre-joined at extraction time, so the mart needs no joins.
type ScenarioRow struct {
	ID                string
	DisplayName       string
	Status            string
	IsStarter         bool
	Currency          *string
	CurrencyCode      *string
	StartYear         *int
	EndYear           *int
	RegionName        *string
	CountryName       *string
	CreatedAt         time.Time
	CreatedBy         string
	SubmittedAt       *time.Time
	SubmittedBy       *string
	LockedAt          *time.Time
	LockedBy          *string
	UpdatedAt         *time.Time
	UpdatedBy         *string
	WithdrawAt        *time.Time
	WithdrawBy        *string
	DeleteAt          *time.Time
	ModelID           string
	ModelDisplayName  string
	ModelType         *string
	TherapeuticArea   *string
	DiseaseArea       *string
	LOEEnabled        *bool
	ForecastCycleName *string
	ForecastCycleFrom *time.Time
	ForecastCycleTo   *time.Time
}

// NodeDataRow is one version of one node input, append-only in the source.
// InputData carries the raw JSONB payload; transform flattens it.
type NodeDataRow struct {
	ID                string
	ScenarioID        string
	ModelNodeID       string
	InputData         json.RawMessage
	InputHash         *string
	InputValidated    *bool
	ValidationMessage *string
	Source            *string
	VersionStartedAt  time.Time
	VersionEndedAt    *time.Time
	EditedBy          *string
	NodeDisplayName   *string
	NodeType          *string
	NodeSeq           *int
	Flow              *string
	GroupName         *string
	GroupType         *string
	TabName           *string
	TabLevel          *int
}

// RunRow is one forecast run with branch and node-calc counts
// pre-aggregated in the source query.
type RunRow struct {
	RunID           string
	ScenarioID      string
	Status          string
	RunAt           time.Time
	RunBy           *string
	CompleteAt      *time.Time
	DurationMinutes *float64
	FailReason      *string
	BranchCount     int
	NodesProcessed  int
	NodesSuccess    int
	NodesFailed     int
	NodesTimeout    int
}

// NodeCalcRow is one node calculation result. Immutable once written.
type NodeCalcRow struct {
	ID              string
	RunID           string
	ScenarioID      string
	BranchID        *string
	EventTag        *string
	ModelNodeID     *string
	NodeDisplayName *string
	NodeType        *string
	Status          *string
	FailReason      *string
	StartAt         *time.Time
	EndAt           *time.Time
	DurationSeconds *float64
	OutputDataText  *string
}

// EventDataRow is one version of one scenario event, append-only in the
// source. EventData carries the raw JSONB payload.
type EventDataRow struct {
	ID                 string
	ScenarioID         string
	EventTypeName      *string
	IsInherent         *bool
	PopulationNodeName *string
	ParentProductName  *string
	VersionStartedAt   time.Time
	VersionEndedAt     *time.Time
	EditedBy           *string
	EventData          json.RawMessage
	EventDataHash      *string
	IsOverridden       *bool
	OverrideDataText   *string
	IsValidated        *bool
	ValidationMessage  *string
}

// TimelineRow is one flattened user-action event from the source-side
// UNION ALL query. SourceKey is the dedup key.
type TimelineRow struct {
	ScenarioID    string
	EventTime     time.Time
	EventType     string
	EventCategory *string
	Actor         *string
	Description   *string
	RunID         *string
	NodeName      *string
	EventTypeName *string
	SourceKey     string
}

// Watermark tracks the last processed source timestamp per table.
type Watermark struct {
	Table         string     `json:"table"`
	LastFetchedAt time.Time  `json:"last_fetched_at"`
	RowsLastRun   int        `json:"rows_last_run"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	TotalRowsEver int64      `json:"total_rows_ever"`
}
