// Package mapping defines the routing table of the bridge: which external
// addresses are wired to which, in what direction, and with what type.
package mapping

import (
	"fmt"
	"time"

	"github.com/inletworks/bridge/buffer"
)

// Side names one face of the bridge.
type Side string

const (
	// SidePubSub is the topic-oriented message broker side.
	SidePubSub Side = "pubsub"
	// SideVariable is the address-space side of typed variables.
	SideVariable Side = "variable"
	// SideEnterprise is the REST-oriented enterprise system side.
	SideEnterprise Side = "enterprise"
)

// Direction constrains which way values flow through a mapping.
type Direction string

const (
	DirectionToVariable    Direction = "pubsub_to_variable"
	DirectionToPubSub      Direction = "variable_to_pubsub"
	DirectionBidirectional Direction = "bidirectional"
)

// DataType is the declared type of values crossing a mapping.
type DataType string

const (
	DataTypeBoolean  DataType = "Boolean"
	DataTypeInteger  DataType = "Integer"
	DataTypeInt32    DataType = "Int32"
	DataTypeFloat    DataType = "Float"
	DataTypeDouble   DataType = "Double"
	DataTypeString   DataType = "String"
	DataTypeDateTime DataType = "DateTime"
	DataTypeJSON     DataType = "JSON"
)

func validDataType(dt DataType) bool {
	switch dt {
	case DataTypeBoolean, DataTypeInteger, DataTypeInt32, DataTypeFloat,
		DataTypeDouble, DataTypeString, DataTypeDateTime, DataTypeJSON:
		return true
	}
	return false
}

func validDirection(d Direction) bool {
	switch d {
	case DirectionToVariable, DirectionToPubSub, DirectionBidirectional:
		return true
	}
	return false
}

// Spec is the configuration shape of one mapping.
type Spec struct {
	ID         string `yaml:"id"`
	Topic      string `yaml:"topic"`
	Node       string `yaml:"node"`
	DataType   string `yaml:"data_type"`
	Direction  string `yaml:"direction"`
	Priority   string `yaml:"priority"`
	Transform  string `yaml:"transform,omitempty"`
	TTLMinutes int    `yaml:"ttl_minutes,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

// Mapping is one validated route between a pub/sub topic and a variable node.
type Mapping struct {
	ID        string
	Topic     string
	Node      string
	DataType  DataType
	Direction Direction
	Priority  buffer.Priority
	// Transform optionally names a symbolic value transform.
	Transform string
	// TTL overrides the buffer default when non-zero.
	TTL time.Duration
	// MaxRetries overrides the buffer default when non-zero.
	MaxRetries int
}

// AllowsSource returns whether values may enter this mapping from side.
func (m *Mapping) AllowsSource(side Side) bool {
	switch m.Direction {
	case DirectionBidirectional:
		return side == SidePubSub || side == SideVariable
	case DirectionToVariable:
		return side == SidePubSub
	case DirectionToPubSub:
		return side == SideVariable
	}
	return false
}

// AddressOn returns the external address of this mapping on side.
func (m *Mapping) AddressOn(side Side) string {
	if side == SideVariable {
		return m.Node
	}
	return m.Topic
}

// DestinationOf returns the side opposite to source.
func DestinationOf(source Side) Side {
	if source == SideVariable {
		return SidePubSub
	}
	return SideVariable
}

func newMapping(index int, spec Spec) (Mapping, error) {
	var m = Mapping{
		ID:         spec.ID,
		Topic:      spec.Topic,
		Node:       spec.Node,
		DataType:   DataType(spec.DataType),
		Direction:  Direction(spec.Direction),
		Transform:  spec.Transform,
		TTL:        time.Duration(spec.TTLMinutes) * time.Minute,
		MaxRetries: spec.MaxRetries,
	}

	if m.Topic == "" {
		return m, fmt.Errorf("mapping %d: missing topic", index)
	}
	if m.Node == "" {
		return m, fmt.Errorf("mapping %d: missing node", index)
	}
	if m.ID == "" {
		m.ID = m.Topic + ":" + m.Node
	}
	if !validDataType(m.DataType) {
		return m, fmt.Errorf("mapping %q: unknown data_type %q", m.ID, spec.DataType)
	}
	if !validDirection(m.Direction) {
		return m, fmt.Errorf("mapping %q: unknown direction %q", m.ID, spec.Direction)
	}
	if spec.TTLMinutes < 0 {
		return m, fmt.Errorf("mapping %q: negative ttl_minutes", m.ID)
	}

	var priority = spec.Priority
	if priority == "" {
		priority = "normal"
	}
	var err error
	if m.Priority, err = buffer.ParsePriority(priority); err != nil {
		return m, fmt.Errorf("mapping %q: %w", m.ID, err)
	}
	return m, nil
}
