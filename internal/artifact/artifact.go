// Package artifact implements the identity, serialization, and hashing
// model shared by every stage in a pipeline: Items, Artifacts, UIDs, and
// the dependency-hash algebra that ties a stage run to its inputs.
package artifact

import (
	"fmt"
	"sort"
	"strings"
)

// SerializationType names the wire/storage form of an Item's payload.
type SerializationType string

// The closed set of serialization types a stage may declare.
const (
	SerializationJSON         SerializationType = "json"
	SerializationString       SerializationType = "string"
	SerializationByteStream   SerializationType = "bytestream"
	SerializationStringStream SerializationType = "stringstream"
)

// Item is the user-facing payload unit produced by a stage.
type Item struct {
	Payload interface{}
	Meta    map[string]interface{}
	Tags    map[string]struct{}
	Type    string
}

// NewItem returns an Item with initialized maps, matching the teacher's
// practice of never handing back nil meta/tag containers.
func NewItem(payload interface{}) *Item {
	return &Item{
		Payload: payload,
		Meta:    map[string]interface{}{},
		Tags:    map[string]struct{}{},
	}
}

// HasTag reports whether the item carries the given tag.
func (it *Item) HasTag(tag string) bool {
	if it == nil {
		return false
	}
	_, ok := it.Tags[tag]
	return ok
}

// UID is the canonical artifact identity: definition_hash_specific_hash_dependency_hash.
type UID string

// NewUID is the single place a UID's triple is assembled, per §3's
// invariant that the UID format is a single source of truth.
func NewUID(definitionHash, specificHash, dependencyHash string) UID {
	return UID(definitionHash + "_" + specificHash + "_" + dependencyHash)
}

// ParseUID splits a UID back into its definition/specific/dependency
// hash triple, the inverse of NewUID. Hash components are hex digests
// and never contain an underscore, so a plain three-way split is safe.
func ParseUID(u UID) (definitionHash, specificHash, dependencyHash string, err error) {
	parts := strings.SplitN(string(u), "_", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("artifact: malformed uid %q", u)
	}
	return parts[0], parts[1], parts[2], nil
}

// FanoutParameters are the coordinates a GridSearch stage attaches to
// each artifact it produces; downstream consumers group inputs by them.
type FanoutParameters map[string]interface{}

// Artifact is the immutable, serializable wrapper around one Item.
type Artifact struct {
	PipelineStage     string
	DefinitionHash    string
	DependencyHash    string
	SpecificHash      string
	SerializationType SerializationType
	CreationTime      int64
	FanoutParameters  FanoutParameters
	Item              *Item

	// LoadedFromCache and RemotelyProduced are run-time observations, not
	// part of identity; they are never persisted as part of the UID.
	LoadedFromCache  bool
	RemotelyProduced bool
}

// UID returns this artifact's canonical identity triple.
func (a *Artifact) UID() UID {
	return NewUID(a.DefinitionHash, a.SpecificHash, a.DependencyHash)
}

// HasPayload reports whether the artifact's item currently holds a payload,
// as opposed to being metadata-only (e.g. freshly loaded from an index).
func (a *Artifact) HasPayload() bool {
	return a.Item != nil && a.Item.Payload != nil
}

// sortedUIDs returns the UIDs of the given artifacts in lexicographic order.
func sortedUIDs(artifacts []*Artifact) []string {
	uids := make([]string, len(artifacts))
	for i, a := range artifacts {
		uids[i] = string(a.UID())
	}
	sort.Strings(uids)
	return uids
}

// DependencyHash computes the stable hash over a set of input artifacts:
// the lexicographically sorted concatenation of their UIDs. An empty set
// hashes to EmptyDependencySentinel.
func DependencyHash(artifacts []*Artifact) string {
	if len(artifacts) == 0 {
		return EmptyDependencySentinel
	}
	return stableHash128Strings(sortedUIDs(artifacts))
}

// EmptyDependencySentinel is the fixed hash assigned to a dependency set
// with no input artifacts (leaf/provider stages).
const EmptyDependencySentinel = "00000000000000000000000000000000"

// GroupByFanout implements §4.7's fan-out grouping algorithm: it enumerates
// the Cartesian product of observed fan-out parameter values and returns
// one group of artifacts per product point. An artifact that lacks a given
// parameter, or whose value matches the point on every parameter it does
// carry, joins that group.
func GroupByFanout(artifacts []*Artifact) [][]*Artifact {
	paramValues := map[string]map[interface{}]struct{}{}
	paramOrder := []string{}
	for _, a := range artifacts {
		for k, v := range a.FanoutParameters {
			if _, ok := paramValues[k]; !ok {
				paramValues[k] = map[interface{}]struct{}{}
				paramOrder = append(paramOrder, k)
			}
			paramValues[k][v] = struct{}{}
		}
	}
	sort.Strings(paramOrder)

	if len(paramOrder) == 0 {
		return [][]*Artifact{artifacts}
	}

	points := []map[string]interface{}{{}}
	for _, k := range paramOrder {
		values := make([]interface{}, 0, len(paramValues[k]))
		for v := range paramValues[k] {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool {
			return toComparable(values[i]) < toComparable(values[j])
		})

		next := make([]map[string]interface{}, 0, len(points)*len(values))
		for _, p := range points {
			for _, v := range values {
				np := make(map[string]interface{}, len(p)+1)
				for pk, pv := range p {
					np[pk] = pv
				}
				np[k] = v
				next = append(next, np)
			}
		}
		points = next
	}

	groups := make([][]*Artifact, 0, len(points))
	for _, point := range points {
		group := make([]*Artifact, 0, len(artifacts))
		for _, a := range artifacts {
			if artifactMatchesPoint(a, point) {
				group = append(group, a)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func artifactMatchesPoint(a *Artifact, point map[string]interface{}) bool {
	for k, v := range a.FanoutParameters {
		pv, ok := point[k]
		if !ok {
			continue
		}
		if toComparable(pv) != toComparable(v) {
			return false
		}
	}
	return true
}

// toComparable gives deterministic ordering/equality across the dynamic
// values (numbers, strings, bools) that JSON-sourced options carry.
func toComparable(v interface{}) string {
	return toJSONString(v)
}
