package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clearsync/internal/domain"
)

func TestFlattenInputTypedKeys(t *testing.T) {
	raw := json.RawMessage(`{
		"value": "12.5",
		"unit": "mg",
		"start_year": 2024,
		"end_year": "2030",
		"actuals_flag": "yes",
		"pfs_flag": false,
		"curve_type": "linear",
		"custom_key": [1, 2]
	}`)

	f := FlattenInput(raw)

	require.NotNil(t, f.Value)
	assert.Equal(t, 12.5, *f.Value)
	require.NotNil(t, f.Unit)
	assert.Equal(t, "mg", *f.Unit)
	require.NotNil(t, f.StartYear)
	assert.Equal(t, 2024, *f.StartYear)
	require.NotNil(t, f.EndYear)
	assert.Equal(t, 2030, *f.EndYear)
	require.NotNil(t, f.ActualsFlag)
	assert.True(t, *f.ActualsFlag)
	require.NotNil(t, f.PFSFlag)
	assert.False(t, *f.PFSFlag)
	assert.Nil(t, f.PPCFlag, "absent key stays nil")

	// Unknown keys survive in the full-text column.
	require.NotNil(t, f.FullText)
	assert.Contains(t, *f.FullText, "custom_key")
}

func TestFlattenInputDoubleEncoded(t *testing.T) {
	raw := json.RawMessage(`"{\"value\": 3, \"unit\": \"kg\"}"`)
	f := FlattenInput(raw)
	require.NotNil(t, f.Value)
	assert.Equal(t, 3.0, *f.Value)
	require.NotNil(t, f.Unit)
	assert.Equal(t, "kg", *f.Unit)
}

func TestFlattenInputGarbage(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`[]`), json.RawMessage(`42`), json.RawMessage(`not json`)} {
		f := FlattenInput(raw)
		assert.Nil(t, f.Value)
		assert.Nil(t, f.FullText)
	}
}

func TestFlattenEvent(t *testing.T) {
	raw := json.RawMessage(`{"year": 2027, "share_value": 0.42, "entry_quarter": "Q3", "erosion_rate": "0.1"}`)
	f := FlattenEvent(raw)
	require.NotNil(t, f.Year)
	assert.Equal(t, 2027, *f.Year)
	require.NotNil(t, f.ShareValue)
	assert.Equal(t, 0.42, *f.ShareValue)
	require.NotNil(t, f.EntryQuarter)
	assert.Equal(t, "Q3", *f.EntryQuarter)
	require.NotNil(t, f.ErosionRate)
	assert.Equal(t, 0.1, *f.ErosionRate)
	assert.Nil(t, f.SteadyState)
}

func TestNodeInputsCurrentVersionFlag(t *testing.T) {
	ended := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.NodeDataRow{
		{ID: "live", InputData: json.RawMessage(`{"value": 1}`)},
		{ID: "closed", VersionEndedAt: &ended},
	}

	recs := NodeInputs(rows)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsCurrent)
	assert.False(t, recs[1].IsCurrent)
	require.NotNil(t, recs[0].Input.Value)
	assert.Equal(t, 1.0, *recs[0].Input.Value)
}

func TestEventInputsCurrentVersionFlag(t *testing.T) {
	ended := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := []domain.EventDataRow{
		{ID: "live", EventData: json.RawMessage(`{"year": 2025}`)},
		{ID: "closed", VersionEndedAt: &ended},
	}

	recs := EventInputs(rows)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsCurrent)
	assert.False(t, recs[1].IsCurrent)
}
