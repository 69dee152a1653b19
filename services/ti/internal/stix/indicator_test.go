package stix

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

func TestDecode(t *testing.T) {
	ind, err := Decode([]byte(`{
		"type": "indicator",
		"id": "indicator--1",
		"pattern": "[url:value = 'http://evil.example']",
		"valid_until": "2030-01-01T00:00:00Z",
		"kill_chain_phases": [{"kill_chain_name": "lockheed-martin-cyber-kill-chain", "phase_name": "delivery"}],
		"x_custom": 42
	}`))
	require.NoError(t, err)

	assert.Equal(t, PatternTypeSTIX, ind.PatternType, "STIX 2.0 documents default to stix")
	assert.True(t, ind.IsSTIXPattern())
	assert.Equal(t, []string{"lockheed-martin-cyber-kill-chain:delivery"}, ind.KillChainPhaseNames())
	assert.Contains(t, string(ind.Raw), "x_custom")

	until, ok, err := ind.ValidUntilTime()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), until)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code apperrors.ErrorCode
	}{
		{"malformed", `{"id":`, apperrors.CodeValidation},
		{"missing id", `{"pattern": "[url:value = 'x']"}`, apperrors.CodeValidation},
		{"missing pattern", `{"id": "indicator--1"}`, apperrors.CodeValidation},
		{"not an indicator", `{"type": "malware", "id": "malware--1", "pattern": "x"}`, apperrors.CodeUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), err.Error())
		})
	}
}

func TestDecodeAllKeepsValidItems(t *testing.T) {
	docs := []json.RawMessage{
		json.RawMessage(`{"id": "indicator--1", "pattern": "[url:value = 'a']"}`),
		json.RawMessage(`{"id": "indicator--2"}`),
		json.RawMessage(`{"id": "indicator--3", "pattern": "[url:value = 'c']", "pattern_type": "sigma"}`),
	}
	inds, errs := DecodeAll(docs)
	require.Len(t, inds, 2)
	assert.Len(t, errs, 1)
	assert.False(t, inds[1].IsSTIXPattern())
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2023-05-04T10:11:12Z", time.Date(2023, 5, 4, 10, 11, 12, 0, time.UTC)},
		{"2023-05-04T10:11:12.123456Z", time.Date(2023, 5, 4, 10, 11, 12, 123456000, time.UTC)},
		{"2023-05-04T12:11:12+02:00", time.Date(2023, 5, 4, 10, 11, 12, 0, time.UTC)},
		{"2023-05-04T10:11:12", time.Date(2023, 5, 4, 10, 11, 12, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}
