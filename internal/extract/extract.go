// Package extract reads only from the source PostgreSQL, and only
// incrementally: every query takes a `since` watermark and returns new or
// changed rows, capped per cycle so a backlog cannot blow up memory.
// Context objects are pre-joined source-side so the mart needs no joins.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clearsync/internal/domain"
)

type Extractor struct {
	db      *sql.DB
	batch   int
	timeout time.Duration
}

func New(db *sql.DB, batchRows int, queryTimeout time.Duration) *Extractor {
	if batchRows <= 0 {
		batchRows = 5000
	}
	return &Extractor{db: db, batch: batchRows, timeout: queryTimeout}
}

func (e *Extractor) query(ctx context.Context, q string, since time.Time, limit int) (*sql.Rows, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	rows, err := e.db.QueryContext(ctx, q, since, limit)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}

const scenarioQuery = `
SELECT
    s.id, s.scenario_display_name, s.status, s.is_starter,
    s.currency, s.currency_code,
    s.scenario_start_year, s.scenario_end_year,
    s.scenario_region_name, s.scenario_country_name,
    s.created_at, s.created_by,
    s.submitted_at, s.submitted_by,
    s.locked_at, s.locked_by,
    s.updated_at, s.updated_by,
    s.withdraw_at, s.withdraw_by,
    s.delete_at,
    m.id AS model_id,
    m.model_display_name,
    m.model_type,
    m.therapeutic_area_name,
    m.model_disease_area_name,
    m.has_inherent_event,
    fi.forecast_cycle_display_name,
    fi.forecast_cycle_start_dt,
    fi.forecast_cycle_end_dt
FROM public.fc_scenario s
JOIN public.fc_model m          ON s.model_id = m.id
JOIN public.fc_forecast_init fi ON s.forecast_init_id = fi.id
WHERE s.created_at >= $1
   OR s.updated_at >= $1
   OR s.submitted_at >= $1
   OR s.locked_at >= $1
   OR s.withdraw_at >= $1
LIMIT $2`

// Scenarios fetches scenarios created or changed since the watermark.
func (e *Extractor) Scenarios(ctx context.Context, since time.Time) ([]domain.ScenarioRow, error) {
	rows, cancel, err := e.query(ctx, scenarioQuery, since, e.batch)
	if err != nil {
		return nil, fmt.Errorf("extract scenarios: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []domain.ScenarioRow
	for rows.Next() {
		var r domain.ScenarioRow
		var (
			currency, currencyCode, region, country      sql.NullString
			startYear, endYear                           sql.NullInt64
			submittedAt, lockedAt, updatedAt             sql.NullTime
			withdrawAt, deleteAt                         sql.NullTime
			submittedBy, lockedBy, updatedBy, withdrawBy sql.NullString
			modelType, taName, daName, fcName            sql.NullString
			loe                                          sql.NullBool
			fcStart, fcEnd                               sql.NullTime
		)
		if err := rows.Scan(
			&r.ID, &r.DisplayName, &r.Status, &r.IsStarter,
			&currency, &currencyCode, &startYear, &endYear,
			&region, &country,
			&r.CreatedAt, &r.CreatedBy,
			&submittedAt, &submittedBy, &lockedAt, &lockedBy,
			&updatedAt, &updatedBy, &withdrawAt, &withdrawBy, &deleteAt,
			&r.ModelID, &r.ModelDisplayName, &modelType, &taName, &daName, &loe,
			&fcName, &fcStart, &fcEnd,
		); err != nil {
			return nil, fmt.Errorf("extract scenarios: scan: %w", err)
		}
		r.Currency = strp(currency)
		r.CurrencyCode = strp(currencyCode)
		r.StartYear = intp(startYear)
		r.EndYear = intp(endYear)
		r.RegionName = strp(region)
		r.CountryName = strp(country)
		r.SubmittedAt = timep(submittedAt)
		r.SubmittedBy = strp(submittedBy)
		r.LockedAt = timep(lockedAt)
		r.LockedBy = strp(lockedBy)
		r.UpdatedAt = timep(updatedAt)
		r.UpdatedBy = strp(updatedBy)
		r.WithdrawAt = timep(withdrawAt)
		r.WithdrawBy = strp(withdrawBy)
		r.DeleteAt = timep(deleteAt)
		r.ModelType = strp(modelType)
		r.TherapeuticArea = strp(taName)
		r.DiseaseArea = strp(daName)
		r.LOEEnabled = boolp(loe)
		r.ForecastCycleName = strp(fcName)
		r.ForecastCycleFrom = timep(fcStart)
		r.ForecastCycleTo = timep(fcEnd)
		out = append(out, r)
	}
	return out, rows.Err()
}

const nodeDataQuery = `
SELECT
    nd.id, nd.scenario_id, nd.model_node_id,
    nd.input_data::text,
    nd.input_hash, nd.input_validated, nd.input_validation_message, nd.source,
    nd.created_at, nd.end_at, nd.created_by,
    mn.node_display_name, mn.node_type, mn.node_seq, mn.flow,
    mg.group_display_name, mg.group_type,
    mt.tab_display_name, mt.tab_level
FROM public.fc_scenario_node_data nd
JOIN public.fc_model_node mn        ON nd.model_node_id = mn.id
JOIN public.fc_model_node_groups mg ON mn.model_node_group_id = mg.id
JOIN public.fc_model_node_tab mt    ON mg.model_node_tab_id = mt.id
WHERE nd.created_at >= $1
   OR (nd.end_at IS NOT NULL AND nd.end_at >= $1)
ORDER BY nd.created_at
LIMIT $2`

// NodeData fetches node input versions created or closed out since the
// watermark. "closed out" means end_at was set on a previous version.
func (e *Extractor) NodeData(ctx context.Context, since time.Time) ([]domain.NodeDataRow, error) {
	rows, cancel, err := e.query(ctx, nodeDataQuery, since, e.batch)
	if err != nil {
		return nil, fmt.Errorf("extract node data: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []domain.NodeDataRow
	for rows.Next() {
		var r domain.NodeDataRow
		var (
			inputData                     sql.NullString
			hash, msg, source, editedBy   sql.NullString
			validated                     sql.NullBool
			endAt                         sql.NullTime
			nodeName, nodeType, flow      sql.NullString
			groupName, groupType, tabName sql.NullString
			nodeSeq, tabLevel             sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID, &r.ScenarioID, &r.ModelNodeID,
			&inputData, &hash, &validated, &msg, &source,
			&r.VersionStartedAt, &endAt, &editedBy,
			&nodeName, &nodeType, &nodeSeq, &flow,
			&groupName, &groupType, &tabName, &tabLevel,
		); err != nil {
			return nil, fmt.Errorf("extract node data: scan: %w", err)
		}
		if inputData.Valid {
			r.InputData = []byte(inputData.String)
		}
		r.InputHash = strp(hash)
		r.InputValidated = boolp(validated)
		r.ValidationMessage = strp(msg)
		r.Source = strp(source)
		r.VersionEndedAt = timep(endAt)
		r.EditedBy = strp(editedBy)
		r.NodeDisplayName = strp(nodeName)
		r.NodeType = strp(nodeType)
		r.NodeSeq = intp(nodeSeq)
		r.Flow = strp(flow)
		r.GroupName = strp(groupName)
		r.GroupType = strp(groupType)
		r.TabName = strp(tabName)
		r.TabLevel = intp(tabLevel)
		out = append(out, r)
	}
	return out, rows.Err()
}

const runQuery = `
SELECT
    sr.id, sr.scenario_id, sr.run_status, sr.run_at, sr.run_by,
    sr.run_complete_at,
    ROUND(EXTRACT(EPOCH FROM (sr.run_complete_at - sr.run_at)) / 60.0, 2),
    sr.fail_reason,
    COUNT(DISTINCT rb.id),
    COUNT(nc.id),
    SUM(CASE WHEN nc.status = 'success' THEN 1 ELSE 0 END),
    SUM(CASE WHEN nc.status = 'failed'  THEN 1 ELSE 0 END),
    SUM(CASE WHEN nc.status = 'timeout' THEN 1 ELSE 0 END)
FROM public.fc_scenario_run sr
LEFT JOIN public.fc_scenario_run_branch rb ON rb.scenario_run_id = sr.id
LEFT JOIN public.fc_scenario_node_calc  nc ON nc.scenario_run_branch_id = rb.id
WHERE sr.run_at >= $1
   OR (sr.run_complete_at IS NOT NULL AND sr.run_complete_at >= $1)
GROUP BY sr.id, sr.scenario_id, sr.run_status, sr.run_at, sr.run_by,
         sr.run_complete_at, sr.fail_reason
LIMIT $2`

// Runs fetches runs started or completed since the watermark, with branch
// and node counts pre-aggregated.
func (e *Extractor) Runs(ctx context.Context, since time.Time) ([]domain.RunRow, error) {
	rows, cancel, err := e.query(ctx, runQuery, since, e.batch)
	if err != nil {
		return nil, fmt.Errorf("extract runs: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []domain.RunRow
	for rows.Next() {
		var r domain.RunRow
		var (
			runBy, failReason                     sql.NullString
			completeAt                            sql.NullTime
			duration                              sql.NullFloat64
			branches, nodes, ok, failed, timedOut sql.NullInt64
		)
		if err := rows.Scan(
			&r.RunID, &r.ScenarioID, &r.Status, &r.RunAt, &runBy,
			&completeAt, &duration, &failReason,
			&branches, &nodes, &ok, &failed, &timedOut,
		); err != nil {
			return nil, fmt.Errorf("extract runs: scan: %w", err)
		}
		r.RunBy = strp(runBy)
		r.CompleteAt = timep(completeAt)
		r.DurationMinutes = floatp(duration)
		r.FailReason = strp(failReason)
		r.BranchCount = int(branches.Int64)
		r.NodesProcessed = int(nodes.Int64)
		r.NodesSuccess = int(ok.Int64)
		r.NodesFailed = int(failed.Int64)
		r.NodesTimeout = int(timedOut.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}

const nodeCalcQuery = `
SELECT
    nc.id, sr.id, sr.scenario_id, rb.id, rb.event_tag,
    nc.model_node_id, mn.node_display_name, mn.node_type,
    nc.status, nc.fail_reason,
    nc.processing_start_at, nc.processing_end_at,
    ROUND(EXTRACT(EPOCH FROM (nc.processing_end_at - nc.processing_start_at)), 3),
    nc.output_data::text
FROM public.fc_scenario_node_calc nc
JOIN public.fc_scenario_run_branch rb ON nc.scenario_run_branch_id = rb.id
JOIN public.fc_scenario_run sr        ON rb.scenario_run_id = sr.id
JOIN public.fc_model_node mn          ON nc.model_node_id = mn.id
WHERE nc.created_at >= $1
LIMIT $2`

// NodeCalc fetches node calculation results since the watermark.
func (e *Extractor) NodeCalc(ctx context.Context, since time.Time) ([]domain.NodeCalcRow, error) {
	rows, cancel, err := e.query(ctx, nodeCalcQuery, since, e.batch)
	if err != nil {
		return nil, fmt.Errorf("extract node calc: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []domain.NodeCalcRow
	for rows.Next() {
		var r domain.NodeCalcRow
		var (
			branchID, eventTag, modelNodeID    sql.NullString
			nodeName, nodeType, status, reason sql.NullString
			startAt, endAt                     sql.NullTime
			duration                           sql.NullFloat64
			output                             sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.ScenarioID, &branchID, &eventTag,
			&modelNodeID, &nodeName, &nodeType, &status, &reason,
			&startAt, &endAt, &duration, &output,
		); err != nil {
			return nil, fmt.Errorf("extract node calc: scan: %w", err)
		}
		r.BranchID = strp(branchID)
		r.EventTag = strp(eventTag)
		r.ModelNodeID = strp(modelNodeID)
		r.NodeDisplayName = strp(nodeName)
		r.NodeType = strp(nodeType)
		r.Status = strp(status)
		r.FailReason = strp(reason)
		r.StartAt = timep(startAt)
		r.EndAt = timep(endAt)
		r.DurationSeconds = floatp(duration)
		r.OutputDataText = strp(output)
		out = append(out, r)
	}
	return out, rows.Err()
}

const eventDataQuery = `
SELECT
    ed.id, st.scenario_id,
    et.display_name, et.inherent,
    pn.node_display_name, ppn.node_display_name,
    ed.created_at, ed.end_at, ed.created_by,
    ed.event_data::text, ed.event_data_hash,
    ed.is_overridden, ed.event_shares_overridden::text,
    ed.is_validated, ed.input_validation_message
FROM public.fc_scenario_event_data ed
JOIN public.fc_scenario_event_type st ON ed.scenario_event_type_id = st.id
JOIN public.fc_event_type et          ON st.event_type_id = et.id
LEFT JOIN public.fc_model_node pn     ON ed.population_node_id = pn.id
LEFT JOIN public.fc_model_node ppn    ON ed.parent_product_node_id = ppn.id
WHERE ed.created_at >= $1
   OR (ed.end_at IS NOT NULL AND ed.end_at >= $1)
LIMIT $2`

// EventData fetches event versions created or closed out since the
// watermark.
func (e *Extractor) EventData(ctx context.Context, since time.Time) ([]domain.EventDataRow, error) {
	rows, cancel, err := e.query(ctx, eventDataQuery, since, e.batch)
	if err != nil {
		return nil, fmt.Errorf("extract event data: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []domain.EventDataRow
	for rows.Next() {
		var r domain.EventDataRow
		var (
			typeName, popNode, parentNode sql.NullString
			inherent                      sql.NullBool
			endAt                         sql.NullTime
			editedBy, eventData, hash     sql.NullString
			overridden, validated         sql.NullBool
			overrideText, msg             sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.ScenarioID, &typeName, &inherent,
			&popNode, &parentNode,
			&r.VersionStartedAt, &endAt, &editedBy,
			&eventData, &hash, &overridden, &overrideText,
			&validated, &msg,
		); err != nil {
			return nil, fmt.Errorf("extract event data: scan: %w", err)
		}
		r.EventTypeName = strp(typeName)
		r.IsInherent = boolp(inherent)
		r.PopulationNodeName = strp(popNode)
		r.ParentProductName = strp(parentNode)
		r.VersionEndedAt = timep(endAt)
		r.EditedBy = strp(editedBy)
		if eventData.Valid {
			r.EventData = []byte(eventData.String)
		}
		r.EventDataHash = strp(hash)
		r.IsOverridden = boolp(overridden)
		r.OverrideDataText = strp(overrideText)
		r.IsValidated = boolp(validated)
		r.ValidationMessage = strp(msg)
		out = append(out, r)
	}
	return out, rows.Err()
}

// timelineQuery flattens every kind of user action into one chronological
// event stream, source-side, so the mart just stores pre-built rows. Each
// branch yields a unique source_key for dedup across overlap re-reads.
const timelineQuery = `
SELECT event_time, event_type, event_category, actor, description,
       run_id, node_name, event_type_name, scenario_id, source_key
FROM (
    SELECT created_at AS event_time, 'SCENARIO_CREATED' AS event_type,
           'LIFECYCLE' AS event_category, created_by AS actor,
           'Scenario created' AS description, NULL::uuid AS run_id,
           NULL AS node_name, NULL AS event_type_name, id AS scenario_id,
           'SC_' || id::text AS source_key
    FROM public.fc_scenario
    WHERE created_at >= $1

    UNION ALL

    SELECT submitted_at, 'SUBMITTED', 'LIFECYCLE', submitted_by,
           'Scenario submitted', NULL, NULL, NULL, id, 'SUBM_' || id::text
    FROM public.fc_scenario
    WHERE submitted_at >= $1 AND submitted_at IS NOT NULL

    UNION ALL

    SELECT locked_at, 'LOCKED', 'LIFECYCLE', locked_by,
           'Scenario locked', NULL, NULL, NULL, id, 'LOCK_' || id::text
    FROM public.fc_scenario
    WHERE locked_at >= $1 AND locked_at IS NOT NULL

    UNION ALL

    SELECT withdraw_at, 'WITHDRAWN', 'LIFECYCLE', withdraw_by,
           'Scenario withdrawn', NULL, NULL, NULL, id, 'WITH_' || id::text
    FROM public.fc_scenario
    WHERE withdraw_at >= $1 AND withdraw_at IS NOT NULL

    UNION ALL

    SELECT nd.created_at, 'NODE_EDITED', 'INPUT_CHANGE', nd.created_by,
           'Node edited: ' || mn.node_display_name,
           NULL, mn.node_display_name, NULL, nd.scenario_id,
           'NE_' || nd.id::text
    FROM public.fc_scenario_node_data nd
    JOIN public.fc_model_node mn ON nd.model_node_id = mn.id
    WHERE nd.created_at >= $1

    UNION ALL

    SELECT ed.created_at, 'EVENT_EDITED', 'EVENT_CHANGE', ed.created_by,
           'Event edited: ' || et.display_name,
           NULL, NULL, et.display_name, st.scenario_id,
           'EVT_' || ed.id::text
    FROM public.fc_scenario_event_data ed
    JOIN public.fc_scenario_event_type st ON ed.scenario_event_type_id = st.id
    JOIN public.fc_event_type et          ON st.event_type_id = et.id
    WHERE ed.created_at >= $1

    UNION ALL

    SELECT run_at, 'RUN_TRIGGERED', 'RUN', run_by, 'Run started',
           id, NULL, NULL, scenario_id, 'RT_' || id::text
    FROM public.fc_scenario_run
    WHERE run_at >= $1

    UNION ALL

    SELECT run_complete_at, 'RUN_COMPLETED', 'RUN', run_by,
           'Run completed: ' || run_status,
           id, NULL, NULL, scenario_id, 'RC_' || id::text
    FROM public.fc_scenario_run
    WHERE run_complete_at >= $1 AND run_complete_at IS NOT NULL
) timeline
WHERE event_time IS NOT NULL
ORDER BY event_time
LIMIT $2`

// Timeline fetches the flattened user-action event log since the watermark.
func (e *Extractor) Timeline(ctx context.Context, since time.Time) ([]domain.TimelineRow, error) {
	rows, cancel, err := e.query(ctx, timelineQuery, since, 2*e.batch)
	if err != nil {
		return nil, fmt.Errorf("extract timeline: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var out []domain.TimelineRow
	for rows.Next() {
		var r domain.TimelineRow
		var (
			category, actor, desc      sql.NullString
			runID, nodeName, eventType sql.NullString
		)
		if err := rows.Scan(
			&r.EventTime, &r.EventType, &category, &actor, &desc,
			&runID, &nodeName, &eventType, &r.ScenarioID, &r.SourceKey,
		); err != nil {
			return nil, fmt.Errorf("extract timeline: scan: %w", err)
		}
		r.EventCategory = strp(category)
		r.Actor = strp(actor)
		r.Description = strp(desc)
		r.RunID = strp(runID)
		r.NodeName = strp(nodeName)
		r.EventTypeName = strp(eventType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func strp(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timep(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func intp(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func floatp(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolp(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
