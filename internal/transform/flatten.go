// Package transform flattens the source's JSONB payloads into typed
// columns and derives version flags for the append-only streams. Unknown
// payload keys are never lost: the full payload is kept as compact JSON
// text alongside the typed fields.
package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"clearsync/internal/domain"
)

// InputFields are the typed columns extracted from a node's input_data
// payload.
type InputFields struct {
	Value          *float64
	Unit           *string
	StartYear      *int
	EndYear        *int
	InputType      *string
	Timeframe      *string
	DosingType     *string
	ActualsFlag    *bool
	CurveType      *string
	SelectedOutput *string
	PFSFlag        *bool
	PPCFlag        *bool
	FullText       *string
}

// EventFields are the typed columns extracted from an event_data payload.
type EventFields struct {
	Year         *int
	ShareValue   *float64
	EntryQuarter *string
	ErosionRate  *float64
	LaunchDate   *string
	SteadyState  *float64
	SOBValue     *float64
	FullText     *string
}

// NodeInputRecord is a node input version ready for loading.
type NodeInputRecord struct {
	Row       domain.NodeDataRow
	Input     InputFields
	IsCurrent bool
}

// EventInputRecord is an event version ready for loading.
type EventInputRecord struct {
	Row       domain.EventDataRow
	Event     EventFields
	IsCurrent bool
}

// NodeInputs flattens each row's payload and derives the current-version
// flag: a version is live while version_ended_at is unset.
func NodeInputs(rows []domain.NodeDataRow) []NodeInputRecord {
	out := make([]NodeInputRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, NodeInputRecord{
			Row:       r,
			Input:     FlattenInput(r.InputData),
			IsCurrent: r.VersionEndedAt == nil,
		})
	}
	return out
}

// EventInputs mirrors NodeInputs for the event stream.
func EventInputs(rows []domain.EventDataRow) []EventInputRecord {
	out := make([]EventInputRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, EventInputRecord{
			Row:       r,
			Event:     FlattenEvent(r.EventData),
			IsCurrent: r.VersionEndedAt == nil,
		})
	}
	return out
}

// FlattenInput extracts the known input_data keys into typed values.
func FlattenInput(raw json.RawMessage) InputFields {
	m := asObject(raw)
	return InputFields{
		Value:          asFloat(m["value"]),
		Unit:           asString(m["unit"]),
		StartYear:      asInt(m["start_year"]),
		EndYear:        asInt(m["end_year"]),
		InputType:      asString(m["input_type"]),
		Timeframe:      asString(m["timeframe"]),
		DosingType:     asString(m["dosing_type"]),
		ActualsFlag:    asBool(m["actuals_flag"]),
		CurveType:      asString(m["curve_type"]),
		SelectedOutput: asString(m["selected_output"]),
		PFSFlag:        asBool(m["pfs_flag"]),
		PPCFlag:        asBool(m["ppc_flag"]),
		FullText:       fullText(m),
	}
}

// FlattenEvent extracts the known event_data keys into typed values.
func FlattenEvent(raw json.RawMessage) EventFields {
	m := asObject(raw)
	return EventFields{
		Year:         asInt(m["year"]),
		ShareValue:   asFloat(m["share_value"]),
		EntryQuarter: asString(m["entry_quarter"]),
		ErosionRate:  asFloat(m["erosion_rate"]),
		LaunchDate:   asString(m["launch_date"]),
		SteadyState:  asFloat(m["steady_state"]),
		SOBValue:     asFloat(m["sob_value"]),
		FullText:     fullText(m),
	}
}

// asObject tolerates payloads that arrive double-encoded (a JSON string
// containing JSON) and anything that is not an object at all.
func asObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if s, ok := v.(string); ok {
		v = nil
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
	}
	m, _ := v.(map[string]any)
	return m
}

func fullText(m map[string]any) *string {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func asString(v any) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return &x
	default:
		s := fmt.Sprint(x)
		return &s
	}
}

func asBool(v any) *bool {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return &x
	case string:
		l := strings.ToLower(x)
		b := l == "true" || l == "1" || l == "yes"
		return &b
	case float64:
		b := x != 0
		return &b
	default:
		return nil
	}
}

func asFloat(v any) *float64 {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return &x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		return &f
	case bool:
		f := 0.0
		if x {
			f = 1.0
		}
		return &f
	default:
		return nil
	}
}

func asInt(v any) *int {
	f := asFloat(v)
	if f == nil {
		return nil
	}
	n := int(*f)
	return &n
}
