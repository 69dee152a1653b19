package ioc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

func newIndicator(pattern string) *stix.Indicator {
	return &stix.Indicator{
		Type:        stix.TypeIndicator,
		ID:          "indicator--0b2c4e5a-1111-4c4c-8d8d-000000000001",
		Name:        "evil",
		Pattern:     pattern,
		PatternType: stix.PatternTypeSTIX,
		ValidUntil:  "2030-01-01T00:00:00Z",
		KillChainPhases: []stix.KillChainPhase{
			{KillChainName: "mitre-attack", PhaseName: "command-and-control"},
		},
		XInthreatSourcesRefs: []string{"identity--a"},
	}
}

func TestMapperMapsMD5(t *testing.T) {
	m := NewMapper("https://app.sekoia.io", logger.Discard())
	batch := m.FromIndicator(newIndicator("[file:hashes.MD5 = 'D41D8CD98F00B204E9800998ECF8427E']"))

	require.Len(t, batch[TypeMD5], 1)
	r := batch[TypeMD5][0]
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", r.Key)
	assert.Equal(t, "indicator--0b2c4e5a-1111-4c4c-8d8d-000000000001", r.IndicatorID)
	assert.Equal(t, "https://app.sekoia.io", r.ServerRootURL)
	require.NotNil(t, r.ValidUntil)
	assert.Equal(t, int64(1893456000), *r.ValidUntil)
	assert.Equal(t, []string{"mitre-attack:command-and-control"}, r.KillChainPhases)
	assert.Equal(t, []string{"identity--a"}, r.SourcesRefs)
}

func TestMapperRejections(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"unsupported hash", "[file:hashes.'SHA-512' = 'aa']"},
		{"unsupported type", "[email-addr:value = 'a@evil.example']"},
		{"unsupported path", "[file:name = 'evil.exe']"},
		{"wildcard path", "[file:extensions.'archive-ext'.contains_refs[*].hashes.MD5 = 'aa']"},
		{"list index", "[url:values[0] = 'http://a']"},
		{"operator", "[domain-name:value != 'evil.example']"},
		{"negated equality", "[domain-name:value NOT = 'evil.example']"},
		{"like", "[url:value LIKE 'http://%']"},
		{"too long", "[url:value = 'http://evil.example/" + strings.Repeat("a", MaxKeyLength) + "']"},
		{"unparseable", "[url:value ~ 'x']"},
	}
	m := NewMapper("https://app.sekoia.io", logger.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Zero(t, m.FromIndicator(newIndicator(tt.pattern)).Len())
		})
	}
}

func TestMapperKeepsSupportedComparisons(t *testing.T) {
	m := NewMapper("https://app.sekoia.io", logger.Discard())
	batch := m.FromIndicator(newIndicator(
		"[ipv4-addr:value = '10.0.0.1' OR email-addr:value = 'a@b.c'] AND " +
			"[domain-name:value = 'Evil.Example' AND file:hashes.'SHA-256' = 'AB'] OR " +
			"[url:value = 'http://x' AND file:hashes.'SHA-1' = 'CD']",
	))

	assert.Equal(t, 5, batch.Len())
	assert.Equal(t, "10.0.0.1", batch[TypeIPv4][0].Key)
	assert.Equal(t, "evil.example", batch[TypeDomain][0].Key)
	assert.Equal(t, "ab", batch[TypeSHA256][0].Key)
	assert.Equal(t, "cd", batch[TypeSHA1][0].Key)
	assert.Equal(t, []IOCType{TypeDomain, TypeIPv4, TypeSHA1, TypeSHA256, TypeURL}, batch.SortedTypes())
}

func TestMapperWithoutValidUntil(t *testing.T) {
	ind := newIndicator("[url:value = 'http://x']")
	ind.ValidUntil = ""

	batch := NewMapper("https://app.sekoia.io", logger.Discard()).FromIndicator(ind)
	require.Len(t, batch[TypeURL], 1)
	assert.Nil(t, batch[TypeURL][0].ValidUntil)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "sekoia_iocs_md5", CollectionName("", TypeMD5))
	assert.Equal(t, "custom_ipv4", CollectionName("custom", TypeIPv4))
	assert.Equal(t, []IOCType{TypeDomain, TypeIPv4, TypeMD5, TypeSHA1, TypeSHA256, TypeURL}, Types())
}
