// Package mart owns the writable SQLite reporting database: schema setup,
// upsert/insert-dedup loaders for the six streams, and the watermark
// bookkeeping that drives incremental extraction.
package mart

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clearsync/internal/domain"
	"clearsync/internal/transform"
)

// watermarkEpoch is the floor for tables that have never been processed.
var watermarkEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// EnsureSchema creates the mart tables if they don't exist and seeds the
// watermark rows, so the daemon can start against an empty file.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS etl_watermark (
  table_name      TEXT PRIMARY KEY,
  last_fetched_at DATETIME NOT NULL DEFAULT '2020-01-01 00:00:00',
  rows_last_run   INTEGER NOT NULL DEFAULT 0,
  last_run_at     DATETIME,
  total_rows_ever INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dim_scenario (
  scenario_id           TEXT PRIMARY KEY,
  scenario_display_name TEXT,
  scenario_status       TEXT,
  is_starter            BOOLEAN,
  currency              TEXT,
  currency_code         TEXT,
  scenario_start_year   INTEGER,
  scenario_end_year     INTEGER,
  scenario_region_name  TEXT,
  scenario_country_name TEXT,
  created_at            DATETIME,
  created_by            TEXT,
  submitted_at          DATETIME,
  submitted_by          TEXT,
  locked_at             DATETIME,
  locked_by             TEXT,
  updated_at            DATETIME,
  updated_by            TEXT,
  withdraw_at           DATETIME,
  withdraw_by           TEXT,
  delete_at             DATETIME,
  model_id              TEXT,
  model_display_name    TEXT,
  model_type            TEXT,
  therapeutic_area_name TEXT,
  disease_area_name     TEXT,
  loe_enabled           BOOLEAN,
  forecast_cycle_name   TEXT,
  forecast_cycle_start  DATETIME,
  forecast_cycle_end    DATETIME,
  etl_loaded_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  etl_updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS fact_node_input_history (
  id                   INTEGER PRIMARY KEY AUTOINCREMENT,
  source_id            TEXT UNIQUE,
  scenario_id          TEXT NOT NULL,
  model_node_id        TEXT NOT NULL,
  node_display_name    TEXT,
  node_type            TEXT,
  tab_name             TEXT,
  tab_level            INTEGER,
  group_name           TEXT,
  group_type           TEXT,
  node_seq             INTEGER,
  flow                 TEXT,
  version_started_at   DATETIME,
  version_ended_at     DATETIME,
  is_current_version   BOOLEAN NOT NULL DEFAULT 1,
  edited_by            TEXT,
  input_hash           TEXT,
  input_validated      BOOLEAN,
  validation_message   TEXT,
  data_source          TEXT,
  inp_value            REAL,
  inp_unit             TEXT,
  inp_start_year       INTEGER,
  inp_end_year         INTEGER,
  inp_input_type       TEXT,
  inp_timeframe        TEXT,
  inp_dosing_type      TEXT,
  inp_actuals_flag     BOOLEAN,
  inp_curve_type       TEXT,
  inp_selected_output  TEXT,
  inp_pfs_flag         BOOLEAN,
  inp_ppc_flag         BOOLEAN,
  input_data_full_text TEXT,
  etl_loaded_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_node_input_scenario ON fact_node_input_history(scenario_id, is_current_version);
CREATE TABLE IF NOT EXISTS fact_run_summary (
  run_id               TEXT PRIMARY KEY,
  scenario_id          TEXT NOT NULL,
  run_status           TEXT,
  run_at               DATETIME,
  run_by               TEXT,
  run_complete_at      DATETIME,
  run_duration_minutes REAL,
  fail_reason          TEXT,
  branch_count         INTEGER NOT NULL DEFAULT 0,
  total_nodes_processed INTEGER NOT NULL DEFAULT 0,
  nodes_success        INTEGER NOT NULL DEFAULT 0,
  nodes_failed         INTEGER NOT NULL DEFAULT 0,
  nodes_timeout        INTEGER NOT NULL DEFAULT 0,
  etl_updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS fact_node_calc_results (
  source_id             TEXT PRIMARY KEY,
  run_id                TEXT NOT NULL,
  scenario_id           TEXT NOT NULL,
  branch_id             TEXT,
  event_tag             TEXT,
  model_node_id         TEXT,
  node_display_name     TEXT,
  node_type             TEXT,
  calc_status           TEXT,
  fail_reason           TEXT,
  processing_start_at   DATETIME,
  processing_end_at     DATETIME,
  processing_duration_s REAL,
  output_data_text      TEXT,
  etl_loaded_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS fact_event_input_history (
  id                   INTEGER PRIMARY KEY AUTOINCREMENT,
  source_id            TEXT UNIQUE,
  scenario_id          TEXT NOT NULL,
  event_type_name      TEXT,
  is_inherent          BOOLEAN,
  population_node_name TEXT,
  parent_product_name  TEXT,
  version_started_at   DATETIME,
  version_ended_at     DATETIME,
  is_current_version   BOOLEAN NOT NULL DEFAULT 1,
  edited_by            TEXT,
  event_data_hash      TEXT,
  is_overridden        BOOLEAN,
  override_data_text   TEXT,
  is_validated         BOOLEAN,
  validation_message   TEXT,
  evt_year             INTEGER,
  evt_share_value      REAL,
  evt_entry_quarter    TEXT,
  evt_erosion_rate     REAL,
  evt_launch_date      TEXT,
  evt_steady_state     REAL,
  evt_sob_value        REAL,
  event_data_full_text TEXT,
  etl_loaded_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS fact_scenario_timeline (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  scenario_id     TEXT NOT NULL,
  event_time      DATETIME NOT NULL,
  event_type      TEXT NOT NULL,
  event_category  TEXT,
  actor           TEXT,
  description     TEXT,
  run_id          TEXT,
  node_name       TEXT,
  event_type_name TEXT,
  source_key      TEXT UNIQUE,
  etl_loaded_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_timeline_scenario_time ON fact_scenario_timeline(scenario_id, event_time);
`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	for _, table := range []string{
		domain.TableScenario, domain.TableNodeData, domain.TableRun,
		domain.TableNodeCalc, domain.TableEventData, domain.TableTimeline,
	} {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO etl_watermark (table_name, last_fetched_at) VALUES (?, ?)`,
			table, watermarkEpoch,
		); err != nil {
			return err
		}
	}
	return nil
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Watermark returns the last processed timestamp for a table, rewound by
// the safety overlap so rows committed slightly late are re-read. Dedup
// keys downstream make the re-read harmless.
func (s *Store) Watermark(ctx context.Context, table string, overlap time.Duration) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_fetched_at FROM etl_watermark WHERE table_name = ?`, table)
	var last time.Time
	if err := row.Scan(&last); err != nil {
		if err == sql.ErrNoRows {
			return watermarkEpoch, nil
		}
		return time.Time{}, fmt.Errorf("read watermark %s: %w", table, err)
	}
	last = last.Add(-overlap)
	if last.Before(watermarkEpoch) {
		last = watermarkEpoch
	}
	return last, nil
}

// AdvanceWatermark moves a table's watermark to now after a successful
// cycle and accumulates the row counters.
func (s *Store) AdvanceWatermark(ctx context.Context, table string, now time.Time, rowsFetched int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO etl_watermark (table_name, last_fetched_at, rows_last_run, last_run_at, total_rows_ever)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(table_name) DO UPDATE SET
  last_fetched_at = excluded.last_fetched_at,
  rows_last_run   = excluded.rows_last_run,
  last_run_at     = excluded.last_run_at,
  total_rows_ever = total_rows_ever + excluded.total_rows_ever`,
		table, now, rowsFetched, now, rowsFetched)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", table, err)
	}
	return nil
}

// Watermarks lists all watermark rows for inspection.
func (s *Store) Watermarks(ctx context.Context) ([]domain.Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT table_name, last_fetched_at, rows_last_run, last_run_at, total_rows_ever
FROM etl_watermark ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Watermark
	for rows.Next() {
		var w domain.Watermark
		var lastRunAt sql.NullTime
		if err := rows.Scan(&w.Table, &w.LastFetchedAt, &w.RowsLastRun, &lastRunAt, &w.TotalRowsEver); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			t := lastRunAt.Time
			w.LastRunAt = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LoadScenarios upserts scenarios: one row per scenario, mutable lifecycle
// fields updated in place.
func (s *Store) LoadScenarios(ctx context.Context, rows []domain.ScenarioRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return s.batch(ctx, "load scenarios", `
INSERT INTO dim_scenario (
  scenario_id, scenario_display_name, scenario_status, is_starter,
  currency, currency_code, scenario_start_year, scenario_end_year,
  scenario_region_name, scenario_country_name,
  created_at, created_by, submitted_at, submitted_by,
  locked_at, locked_by, updated_at, updated_by,
  withdraw_at, withdraw_by, delete_at,
  model_id, model_display_name, model_type,
  therapeutic_area_name, disease_area_name, loe_enabled,
  forecast_cycle_name, forecast_cycle_start, forecast_cycle_end
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(scenario_id) DO UPDATE SET
  scenario_status = excluded.scenario_status,
  submitted_at    = excluded.submitted_at,
  submitted_by    = excluded.submitted_by,
  locked_at       = excluded.locked_at,
  locked_by       = excluded.locked_by,
  updated_at      = excluded.updated_at,
  updated_by      = excluded.updated_by,
  withdraw_at     = excluded.withdraw_at,
  withdraw_by     = excluded.withdraw_by,
  delete_at       = excluded.delete_at,
  etl_updated_at  = CURRENT_TIMESTAMP`,
		len(rows), func(i int) []any {
			r := rows[i]
			return []any{
				r.ID, r.DisplayName, r.Status, r.IsStarter,
				r.Currency, r.CurrencyCode, r.StartYear, r.EndYear,
				r.RegionName, r.CountryName,
				r.CreatedAt, r.CreatedBy, r.SubmittedAt, r.SubmittedBy,
				r.LockedAt, r.LockedBy, r.UpdatedAt, r.UpdatedBy,
				r.WithdrawAt, r.WithdrawBy, r.DeleteAt,
				r.ModelID, r.ModelDisplayName, r.ModelType,
				r.TherapeuticArea, r.DiseaseArea, r.LOEEnabled,
				r.ForecastCycleName, r.ForecastCycleFrom, r.ForecastCycleTo,
			}
		})
}

// LoadNodeInputs inserts new node input versions and, when a source
// version gets closed out, flips its is_current_version flag in place.
func (s *Store) LoadNodeInputs(ctx context.Context, recs []transform.NodeInputRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	return s.batch(ctx, "load node inputs", `
INSERT INTO fact_node_input_history (
  source_id, scenario_id, model_node_id,
  node_display_name, node_type, tab_name, tab_level,
  group_name, group_type, node_seq, flow,
  version_started_at, version_ended_at, is_current_version,
  edited_by, input_hash, input_validated, validation_message, data_source,
  inp_value, inp_unit, inp_start_year, inp_end_year,
  inp_input_type, inp_timeframe, inp_dosing_type, inp_actuals_flag,
  inp_curve_type, inp_selected_output, inp_pfs_flag, inp_ppc_flag,
  input_data_full_text
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_id) DO UPDATE SET
  version_ended_at   = excluded.version_ended_at,
  is_current_version = excluded.is_current_version,
  input_validated    = excluded.input_validated,
  validation_message = excluded.validation_message,
  etl_loaded_at      = CURRENT_TIMESTAMP`,
		len(recs), func(i int) []any {
			r := recs[i].Row
			f := recs[i].Input
			return []any{
				r.ID, r.ScenarioID, r.ModelNodeID,
				r.NodeDisplayName, r.NodeType, r.TabName, r.TabLevel,
				r.GroupName, r.GroupType, r.NodeSeq, r.Flow,
				r.VersionStartedAt, r.VersionEndedAt, recs[i].IsCurrent,
				r.EditedBy, r.InputHash, r.InputValidated, r.ValidationMessage, r.Source,
				f.Value, f.Unit, f.StartYear, f.EndYear,
				f.InputType, f.Timeframe, f.DosingType, f.ActualsFlag,
				f.CurveType, f.SelectedOutput, f.PFSFlag, f.PPCFlag,
				f.FullText,
			}
		})
}

// LoadRuns upserts run summaries: a run starts in progress and the same
// row is updated when it completes.
func (s *Store) LoadRuns(ctx context.Context, rows []domain.RunRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return s.batch(ctx, "load runs", `
INSERT INTO fact_run_summary (
  run_id, scenario_id, run_status, run_at, run_by,
  run_complete_at, run_duration_minutes, fail_reason,
  branch_count, total_nodes_processed,
  nodes_success, nodes_failed, nodes_timeout
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET
  run_status            = excluded.run_status,
  run_complete_at       = excluded.run_complete_at,
  run_duration_minutes  = excluded.run_duration_minutes,
  fail_reason           = excluded.fail_reason,
  branch_count          = excluded.branch_count,
  total_nodes_processed = excluded.total_nodes_processed,
  nodes_success         = excluded.nodes_success,
  nodes_failed          = excluded.nodes_failed,
  nodes_timeout         = excluded.nodes_timeout,
  etl_updated_at        = CURRENT_TIMESTAMP`,
		len(rows), func(i int) []any {
			r := rows[i]
			return []any{
				r.RunID, r.ScenarioID, r.Status, r.RunAt, r.RunBy,
				r.CompleteAt, r.DurationMinutes, r.FailReason,
				r.BranchCount, r.NodesProcessed,
				r.NodesSuccess, r.NodesFailed, r.NodesTimeout,
			}
		})
}

// LoadNodeCalc inserts calculation results; they never change once
// written, so re-reads from the overlap window are skipped silently.
func (s *Store) LoadNodeCalc(ctx context.Context, rows []domain.NodeCalcRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return s.batch(ctx, "load node calc", `
INSERT INTO fact_node_calc_results (
  source_id, run_id, scenario_id, branch_id, event_tag,
  model_node_id, node_display_name, node_type,
  calc_status, fail_reason,
  processing_start_at, processing_end_at, processing_duration_s,
  output_data_text
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_id) DO NOTHING`,
		len(rows), func(i int) []any {
			r := rows[i]
			return []any{
				r.ID, r.RunID, r.ScenarioID, r.BranchID, r.EventTag,
				r.ModelNodeID, r.NodeDisplayName, r.NodeType,
				r.Status, r.FailReason,
				r.StartAt, r.EndAt, r.DurationSeconds,
				r.OutputDataText,
			}
		})
}

// LoadEventInputs mirrors LoadNodeInputs for the event stream.
func (s *Store) LoadEventInputs(ctx context.Context, recs []transform.EventInputRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	return s.batch(ctx, "load event inputs", `
INSERT INTO fact_event_input_history (
  source_id, scenario_id, event_type_name, is_inherent,
  population_node_name, parent_product_name,
  version_started_at, version_ended_at, is_current_version,
  edited_by, event_data_hash, is_overridden, override_data_text,
  is_validated, validation_message,
  evt_year, evt_share_value, evt_entry_quarter, evt_erosion_rate,
  evt_launch_date, evt_steady_state, evt_sob_value,
  event_data_full_text
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_id) DO UPDATE SET
  version_ended_at   = excluded.version_ended_at,
  is_current_version = excluded.is_current_version,
  is_validated       = excluded.is_validated,
  validation_message = excluded.validation_message,
  etl_loaded_at      = CURRENT_TIMESTAMP`,
		len(recs), func(i int) []any {
			r := recs[i].Row
			f := recs[i].Event
			return []any{
				r.ID, r.ScenarioID, r.EventTypeName, r.IsInherent,
				r.PopulationNodeName, r.ParentProductName,
				r.VersionStartedAt, r.VersionEndedAt, recs[i].IsCurrent,
				r.EditedBy, r.EventDataHash, r.IsOverridden, r.OverrideDataText,
				r.IsValidated, r.ValidationMessage,
				f.Year, f.ShareValue, f.EntryQuarter, f.ErosionRate,
				f.LaunchDate, f.SteadyState, f.SOBValue,
				f.FullText,
			}
		})
}

// LoadTimeline appends new events; source_key dedups overlap re-reads.
func (s *Store) LoadTimeline(ctx context.Context, rows []domain.TimelineRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return s.batch(ctx, "load timeline", `
INSERT INTO fact_scenario_timeline (
  scenario_id, event_time, event_type, event_category,
  actor, description, run_id, node_name, event_type_name, source_key
) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(source_key) DO NOTHING`,
		len(rows), func(i int) []any {
			r := rows[i]
			return []any{
				r.ScenarioID, r.EventTime, r.EventType, r.EventCategory,
				r.Actor, r.Description, r.RunID, r.NodeName, r.EventTypeName, r.SourceKey,
			}
		})
}

// batch executes one prepared statement per row inside a transaction and
// returns the number of rows actually written (dedup skips don't count).
func (s *Store) batch(ctx context.Context, op, query string, n int, args func(int) []any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%s: prepare: %w", op, err)
	}
	defer stmt.Close()

	written := 0
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, fmt.Errorf("%s: row %d: %w", op, i, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			written += int(affected)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: commit: %w", op, err)
	}
	return written, nil
}
