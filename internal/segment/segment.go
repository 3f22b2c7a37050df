// Package segment implements the durable keyed store underneath memories,
// sessions, routing policies and cost records.
//
// A segment is (key, optional embedding, typed metadata, content). Keys live
// in namespaces identified by their leading path component. Every namespace
// is write-once except policy/, which allows in-place updates of content and
// metadata while the key and embedding stay fixed.
package segment

import (
	"fmt"
	"strings"
	"time"
)

// Namespace prefixes.
const (
	NamespaceMemory  = "memory/"
	NamespacePolicy  = "policy/"
	NamespaceCost    = "cost/"
	NamespaceSession = "session/"
	NamespaceMeta    = "meta/"
)

// Segment is one stored record.
type Segment struct {
	Key       string
	Embedding []float32 // nil when the segment is not embedded
	Meta      Metadata
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Embedded reports whether the segment carries a vector.
func (s Segment) Embedded() bool { return len(s.Embedding) > 0 }

// Kind identifies which typed metadata variant a segment carries.
type Kind string

const (
	KindMemory Kind = "memory"
	KindPolicy Kind = "policy"
	KindCost   Kind = "cost"
	KindTurn   Kind = "turn"
	KindMarker Kind = "marker"
)

// Metadata is a closed set of typed variants, one per segment kind, plus a
// free-form string map for fields that have no typed home yet.
type Metadata struct {
	Kind   Kind              `json:"kind"`
	Memory *MemoryMeta       `json:"memory,omitempty"`
	Policy *PolicyMeta       `json:"policy,omitempty"`
	Cost   *CostMeta         `json:"cost,omitempty"`
	Turn   *TurnMeta         `json:"turn,omitempty"`
	Marker *MarkerMeta       `json:"marker,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// MemoryMeta describes a free-text note.
type MemoryMeta struct {
	Tags   []string `json:"tags,omitempty"`
	Source string   `json:"source,omitempty"`
}

// PolicyMeta is a learned routing decision. The pattern itself is the
// segment content.
type PolicyMeta struct {
	Tier        int       `json:"tier"`
	Model       string    `json:"model"`
	Complexity  float64   `json:"complexity"`
	SuccessRate float64   `json:"success_rate"`
	UsageCount  uint64    `json:"usage_count"`
	LastUsed    time.Time `json:"last_used"`
	Reason      string    `json:"reason,omitempty"`
}

// CostMeta is one model invocation's usage.
type CostMeta struct {
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
	Success      *bool         `json:"success,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// TurnMeta is one conversation turn.
type TurnMeta struct {
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
	Role      string `json:"role"`
}

// MarkerMeta records completion of a one-time job.
type MarkerMeta struct {
	Name        string    `json:"name"`
	CompletedAt time.Time `json:"completed_at"`
	Count       int       `json:"count"`
}

// validate checks that the variant named by Kind is present.
func (m Metadata) validate() error {
	ok := false
	switch m.Kind {
	case KindMemory:
		ok = m.Memory != nil
	case KindPolicy:
		ok = m.Policy != nil
	case KindCost:
		ok = m.Cost != nil
	case KindTurn:
		ok = m.Turn != nil
	case KindMarker:
		ok = m.Marker != nil
	default:
		return fmt.Errorf("unknown metadata kind %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("metadata kind %q has no %s payload", m.Kind, m.Kind)
	}
	return nil
}

// Mutable reports whether keys in this namespace may be updated in place.
func Mutable(key string) bool {
	return strings.HasPrefix(key, NamespacePolicy)
}

// Namespace returns the leading namespace of key including its trailing
// slash, or "" when key has none.
func Namespace(key string) string {
	i := strings.IndexByte(key, '/')
	if i < 0 {
		return ""
	}
	return key[:i+1]
}

// SessionPrefix returns the key prefix holding all turns of a session.
func SessionPrefix(sessionID string) string {
	return NamespaceSession + sessionID + "/turn/"
}

// TurnKey returns the key of turn n in a session.
func TurnKey(sessionID string, n int) string {
	return fmt.Sprintf("%s%d", SessionPrefix(sessionID), n)
}

// MarkerKey returns the key of a named one-time marker.
func MarkerKey(name string) string {
	return NamespaceMeta + "marker/" + name
}
