// Package ioc provides the lookup record model, the comparison mapper that
// produces records from STIX indicators, and an in-memory record store.
package ioc

import (
	"fmt"
	"sort"
)

// IOCType is the canonical indicator type a lookup record is filed under.
type IOCType string

const (
	TypeIPv4   IOCType = "ipv4"
	TypeDomain IOCType = "domain"
	TypeURL    IOCType = "url"
	TypeMD5    IOCType = "md5"
	TypeSHA1   IOCType = "sha1"
	TypeSHA256 IOCType = "sha256"
)

// DefaultCollectionPrefix prefixes the collection of every IOC type.
const DefaultCollectionPrefix = "sekoia_iocs"

// MaxKeyLength is the longest value stored as a record key. Longer values
// cannot be indexed by accelerated KV store fields.
const MaxKeyLength = 1024

// Capabilities maps an observable type to its supported property paths and
// the IOC type each path is stored as.
var Capabilities = map[string]map[string]IOCType{
	"ipv4-addr": {
		"value": TypeIPv4,
	},
	"domain-name": {
		"value": TypeDomain,
	},
	"url": {
		"value": TypeURL,
	},
	"file": {
		"hashes.MD5":     TypeMD5,
		"hashes.SHA-1":   TypeSHA1,
		"hashes.SHA-256": TypeSHA256,
	},
}

// Types returns every supported IOC type in a stable order.
func Types() []IOCType {
	seen := make(map[IOCType]bool)
	var types []IOCType
	for _, paths := range Capabilities {
		for _, t := range paths {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// CollectionName returns the collection storing records of the given type.
func CollectionName(prefix string, t IOCType) string {
	if prefix == "" {
		prefix = DefaultCollectionPrefix
	}
	return fmt.Sprintf("%s_%s", prefix, t)
}

// Record is a lookup record. Key is the lowercased comparison value.
type Record struct {
	Key           string `json:"_key"`
	IndicatorID   string `json:"indicator_id"`
	ServerRootURL string `json:"server_root_url"`
	// ValidUntil is in epoch seconds, null when the indicator has no expiry.
	ValidUntil *int64 `json:"valid_until"`

	IndicatorName         string   `json:"indicator_name,omitempty"`
	IndicatorCreated      string   `json:"indicator_created,omitempty"`
	IndicatorCreatedByRef string   `json:"indicator_created_by_ref,omitempty"`
	IndicatorTypes        []string `json:"indicator_types,omitempty"`
	KillChainPhases       []string `json:"kill_chain_phases,omitempty"`
	SourcesRefs           []string `json:"sources_refs,omitempty"`
}

// Batch groups records by IOC type.
type Batch map[IOCType][]Record

// Add appends every record of other.
func (b Batch) Add(other Batch) {
	for t, records := range other {
		b[t] = append(b[t], records...)
	}
}

// Keys returns the record keys per IOC type.
func (b Batch) Keys() map[IOCType][]string {
	keys := make(map[IOCType][]string, len(b))
	for t, records := range b {
		for _, r := range records {
			keys[t] = append(keys[t], r.Key)
		}
	}
	return keys
}

// Drop removes the records whose key is listed for their type and returns
// how many were removed.
func (b Batch) Drop(keys map[IOCType][]string) int {
	dropped := 0
	for t, list := range keys {
		if len(b[t]) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(list))
		for _, k := range list {
			set[k] = struct{}{}
		}
		kept := b[t][:0]
		for _, r := range b[t] {
			if _, ok := set[r.Key]; ok {
				dropped++
				continue
			}
			kept = append(kept, r)
		}
		b[t] = kept
	}
	return dropped
}

// Len returns the total number of records.
func (b Batch) Len() int {
	n := 0
	for _, records := range b {
		n += len(records)
	}
	return n
}

// SortedTypes returns the IOC types present in the batch in a stable order.
func (b Batch) SortedTypes() []IOCType {
	types := make([]IOCType, 0, len(b))
	for t := range b {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
