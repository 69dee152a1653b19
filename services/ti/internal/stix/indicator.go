// Package stix provides the STIX 2.1 indicator model consumed by the connector.
package stix

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

const (
	// TypeIndicator is the STIX object type of indicators.
	TypeIndicator = "indicator"
	// PatternTypeSTIX is the only pattern language the connector understands.
	PatternTypeSTIX = "stix"
)

// KillChainPhase represents a kill chain phase.
type KillChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

// String renders the phase as "<kill_chain_name>:<phase_name>".
func (k KillChainPhase) String() string {
	return k.KillChainName + ":" + k.PhaseName
}

// Indicator is a STIX indicator. Timestamps are kept as received and parsed
// on demand so that a malformed optional field only affects the decisions
// that need it. Raw holds the original document.
type Indicator struct {
	Type                 string           `json:"type"`
	ID                   string           `json:"id"`
	Name                 string           `json:"name,omitempty"`
	Pattern              string           `json:"pattern"`
	PatternType          string           `json:"pattern_type,omitempty"`
	Created              string           `json:"created,omitempty"`
	CreatedByRef         string           `json:"created_by_ref,omitempty"`
	ValidFrom            string           `json:"valid_from,omitempty"`
	ValidUntil           string           `json:"valid_until,omitempty"`
	Revoked              bool             `json:"revoked,omitempty"`
	IndicatorTypes       []string         `json:"indicator_types,omitempty"`
	KillChainPhases      []KillChainPhase `json:"kill_chain_phases,omitempty"`
	XInthreatSourcesRefs []string         `json:"x_inthreat_sources_refs,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode parses and validates a raw indicator document. An absent
// pattern_type defaults to "stix" (STIX 2.0 documents do not carry it).
func Decode(data []byte) (*Indicator, error) {
	var ind Indicator
	if err := json.Unmarshal(data, &ind); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeValidation, "malformed indicator document")
	}
	if err := ind.validate(); err != nil {
		return nil, err
	}
	ind.Raw = append(json.RawMessage(nil), data...)
	return &ind, nil
}

// DecodeAll decodes each document, returning the valid indicators and the
// per-document errors of the rejected ones.
func DecodeAll(docs []json.RawMessage) ([]*Indicator, []error) {
	indicators := make([]*Indicator, 0, len(docs))
	var errs []error
	for i, doc := range docs {
		ind, err := Decode(doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		indicators = append(indicators, ind)
	}
	return indicators, errs
}

func (ind *Indicator) validate() error {
	if ind.Type != "" && ind.Type != TypeIndicator {
		return apperrors.Unsupported(fmt.Sprintf("object type %q is not an indicator", ind.Type)).
			WithDetail("id", ind.ID)
	}
	if ind.ID == "" {
		return apperrors.Validation("indicator has no id")
	}
	if strings.TrimSpace(ind.Pattern) == "" {
		return apperrors.Validation("indicator has no pattern").WithDetail("id", ind.ID)
	}
	if ind.PatternType == "" {
		ind.PatternType = PatternTypeSTIX
	}
	return nil
}

// IsSTIXPattern reports whether the pattern is written in STIX patterning.
func (ind *Indicator) IsSTIXPattern() bool {
	return ind.PatternType == PatternTypeSTIX
}

// ValidUntilTime parses valid_until. ok is false when the field is absent.
func (ind *Indicator) ValidUntilTime() (t time.Time, ok bool, err error) {
	if ind.ValidUntil == "" {
		return time.Time{}, false, nil
	}
	t, err = ParseTimestamp(ind.ValidUntil)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

// ValidFromTime parses valid_from. ok is false when the field is absent.
func (ind *Indicator) ValidFromTime() (t time.Time, ok bool, err error) {
	if ind.ValidFrom == "" {
		return time.Time{}, false, nil
	}
	t, err = ParseTimestamp(ind.ValidFrom)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

// KillChainPhaseNames renders the kill chain phases as "<chain>:<phase>".
func (ind *Indicator) KillChainPhaseNames() []string {
	if len(ind.KillChainPhases) == 0 {
		return nil
	}
	names := make([]string, len(ind.KillChainPhases))
	for i, k := range ind.KillChainPhases {
		names[i] = k.String()
	}
	return names
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02",
}

// ParseTimestamp parses a STIX timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.Validation(fmt.Sprintf("invalid timestamp %q", s))
}
