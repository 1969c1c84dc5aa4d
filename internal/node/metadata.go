package node

import (
	"fmt"
	"math"
	"strings"

	"github.com/zeebo/xxh3"
)

// Sentinel is the starting value of every generation counter.
const Sentinel int64 = math.MinInt64

type Metadata struct {
	Checksum                int64                 `json:"checksum"`
	InstanceNumber          int64                 `json:"instance_number"`
	ContentGenerationNumber int64                 `json:"content_generation_number"`
	LockGenerationNumber    int64                 `json:"lock_generation_number"`
	LockRequestNumber       int64                 `json:"lock_request_number"`
	LockClientMap           map[string]HandleType `json:"lock_client_map"`
	ACLGenerationNumber     int64                 `json:"acl_generation_number"`
	ChildNodeNumber         int                   `json:"child_node_number"`
	ACLNames                map[HandleType]string `json:"acl_names"`
	NodeType                NodeType              `json:"node_type"`
	NodeAttribute           Attribute             `json:"node_attribute"`
}

// NewMetadata returns fresh metadata for a node at path p.
func NewMetadata(p string, content string, attr Attribute) Metadata {
	m := Metadata{
		InstanceNumber:          instanceNumber(p),
		ContentGenerationNumber: Sentinel,
		LockGenerationNumber:    Sentinel,
		LockRequestNumber:       Sentinel,
		LockClientMap:           make(map[string]HandleType),
		ACLGenerationNumber:     Sentinel,
		ACLNames:                make(map[HandleType]string),
		NodeType:                TypeOf(p),
		NodeAttribute:           attr,
	}
	if m.NodeType == TypeFile {
		m.Checksum = Checksum(content)
	}
	return m
}

// instanceNumber counts how many other segments of p share its final name.
func instanceNumber(p string) int64 {
	segs := Segments(p)
	if len(segs) == 0 {
		return Sentinel
	}
	name := segs[len(segs)-1]
	var same int64
	for _, s := range segs {
		if s == name {
			same++
		}
	}
	return Sentinel + same - 1
}

// Checksum hashes file content. Empty content hashes to zero.
func Checksum(content string) int64 {
	if content == "" {
		return 0
	}
	return int64(xxh3.HashString(content))
}

// AddClientLock records client as a holder of type h. The lock generation
// advances only when the node goes from free to held. An existing entry for
// the client is left untouched.
func (m *Metadata) AddClientLock(client string, h HandleType) {
	if m.LockClientMap == nil {
		m.LockClientMap = make(map[string]HandleType)
	}
	if len(m.LockClientMap) == 0 {
		m.LockGenerationNumber++
	}
	if _, ok := m.LockClientMap[client]; !ok {
		m.LockClientMap[client] = h
	}
}

// RemoveClientLock drops client only if it holds exactly type h.
func (m *Metadata) RemoveClientLock(client string, h HandleType) bool {
	if held, ok := m.LockClientMap[client]; ok && held == h {
		delete(m.LockClientMap, client)
		return true
	}
	return false
}

func (m *Metadata) IsHeld() bool {
	return len(m.LockClientMap) > 0
}

func (m *Metadata) HolderCount() int {
	return len(m.LockClientMap)
}

func (m *Metadata) IncreaseLockRequestNumber() {
	m.LockRequestNumber++
}

func (m *Metadata) IncreaseACLGenerationNumber() {
	m.ACLGenerationNumber++
}

// SetACLNames replaces the binding map with a copy of names.
func (m *Metadata) SetACLNames(names map[HandleType]string) {
	m.ACLNames = make(map[HandleType]string, len(names))
	for k, v := range names {
		m.ACLNames[k] = v
	}
}

func (m Metadata) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "checksum=%d ", m.Checksum)
	fmt.Fprintf(&b, "instance_number=%d ", m.InstanceNumber)
	fmt.Fprintf(&b, "content_generation_number=%d ", m.ContentGenerationNumber)
	fmt.Fprintf(&b, "lock_generation_number=%d ", m.LockGenerationNumber)
	fmt.Fprintf(&b, "lock_request_number=%d ", m.LockRequestNumber)
	fmt.Fprintf(&b, "lock_client_map=%v ", m.LockClientMap)
	fmt.Fprintf(&b, "acl_generation_number=%d ", m.ACLGenerationNumber)
	fmt.Fprintf(&b, "child_node_number=%d ", m.ChildNodeNumber)
	fmt.Fprintf(&b, "acl_names=%v ", m.ACLNames)
	fmt.Fprintf(&b, "node_type=%s node_attribute=%s", m.NodeType, m.NodeAttribute)
	return b.String()
}
