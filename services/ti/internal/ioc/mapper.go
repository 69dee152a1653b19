package ioc

import (
	"log/slog"
	"strings"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/pattern"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

// Mapper converts indicator comparisons into lookup records.
type Mapper struct {
	serverRootURL string
	logger        *slog.Logger
}

// NewMapper creates a mapper stamping records with serverRootURL.
func NewMapper(serverRootURL string, logger *slog.Logger) *Mapper {
	return &Mapper{
		serverRootURL: serverRootURL,
		logger:        logger.With("component", "ioc-mapper"),
	}
}

// FromIndicator extracts the comparisons of the indicator pattern and maps
// them. Observations that fail to parse are logged and contribute nothing.
func (m *Mapper) FromIndicator(ind *stix.Indicator) Batch {
	comparisons, err := pattern.Inspect(ind.Pattern)
	if err != nil {
		m.logger.Warn("pattern partially parsed",
			"indicator_id", ind.ID,
			"pattern", ind.Pattern,
			"comparisons", len(comparisons),
			"error", err,
		)
	}
	return m.Map(ind, comparisons)
}

// Map filters comparisons against the capability table. Every rejected
// comparison is logged and skipped; the others are still mapped.
func (m *Mapper) Map(ind *stix.Indicator, comparisons []*pattern.Comparison) Batch {
	batch := make(Batch)
	for _, c := range comparisons {
		t, ok := m.supported(ind, c)
		if !ok {
			continue
		}
		batch[t] = append(batch[t], m.record(ind, c.Value.Text))
	}
	return batch
}

func (m *Mapper) supported(ind *stix.Indicator, c *pattern.Comparison) (IOCType, bool) {
	log := m.logger.With("indicator_id", ind.ID, "pattern", ind.Pattern)

	paths, ok := Capabilities[c.ObjectType]
	if !ok {
		log.Warn("unsupported observable type", "type", c.ObjectType)
		return "", false
	}
	if c.HasListAccess() {
		log.Warn("unsupported path", "path", c.PropertyPath())
		return "", false
	}
	t, ok := paths[c.PropertyPath()]
	if !ok {
		log.Warn("unsupported path", "type", c.ObjectType, "path", c.PropertyPath())
		return "", false
	}
	if c.OperatorString() != "=" {
		log.Warn("unsupported operator", "operator", c.OperatorString())
		return "", false
	}
	if c.Value.Text == "" {
		log.Warn("empty value", "type", t)
		return "", false
	}
	if len(c.Value.Text) > MaxKeyLength {
		log.Warn("value too long for a lookup key", "type", t, "length", len(c.Value.Text))
		return "", false
	}
	return t, true
}

func (m *Mapper) record(ind *stix.Indicator, value string) Record {
	r := Record{
		Key:                   strings.ToLower(value),
		IndicatorID:           ind.ID,
		ServerRootURL:         m.serverRootURL,
		IndicatorName:         ind.Name,
		IndicatorCreated:      ind.Created,
		IndicatorCreatedByRef: ind.CreatedByRef,
		IndicatorTypes:        ind.IndicatorTypes,
		KillChainPhases:       ind.KillChainPhaseNames(),
		SourcesRefs:           ind.XInthreatSourcesRefs,
	}
	if until, ok, err := ind.ValidUntilTime(); ok && err == nil {
		epoch := until.Unix()
		r.ValidUntil = &epoch
	}
	return r
}
