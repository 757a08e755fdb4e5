package mapping

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Registry is the immutable, validated set of mappings. It is built once
// at startup and shared read-only by ingress adapters and egress workers.
type Registry struct {
	all     []*Mapping
	byID    map[string]*Mapping
	byTopic map[string][]*Mapping
	byNode  map[string][]*Mapping
}

// NewRegistry validates specs and builds the registry. Unknown data types,
// directions, or priorities are fatal. Duplicate topics or nodes are kept,
// with a warning; Lookup returns all matches.
func NewRegistry(specs []Spec) (*Registry, error) {
	var r = &Registry{
		byID:    make(map[string]*Mapping),
		byTopic: make(map[string][]*Mapping),
		byNode:  make(map[string][]*Mapping),
	}

	var errs []string
	for i, spec := range specs {
		var m, err = newMapping(i, spec)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if _, ok := r.byID[m.ID]; ok {
			errs = append(errs, fmt.Sprintf("mapping %q: duplicate id", m.ID))
			continue
		}

		var keep = m
		r.all = append(r.all, &keep)
		r.byID[m.ID] = &keep

		if prior := r.byTopic[m.Topic]; len(prior) != 0 {
			log.WithFields(log.Fields{
				"topic":    m.Topic,
				"mapping":  m.ID,
				"priorIDs": mappingIDs(prior),
			}).Warn("duplicate topic across mappings")
		}
		r.byTopic[m.Topic] = append(r.byTopic[m.Topic], &keep)

		if prior := r.byNode[m.Node]; len(prior) != 0 {
			log.WithFields(log.Fields{
				"node":     m.Node,
				"mapping":  m.ID,
				"priorIDs": mappingIDs(prior),
			}).Warn("duplicate node across mappings")
		}
		r.byNode[m.Node] = append(r.byNode[m.Node], &keep)
	}

	if len(errs) != 0 {
		return nil, fmt.Errorf("invalid mappings: %s", strings.Join(errs, "; "))
	}
	if len(r.all) == 0 {
		return nil, fmt.Errorf("no mappings configured")
	}

	log.WithField("count", len(r.all)).Info("loaded mapping registry")
	return r, nil
}

// Lookup returns every mapping addressed by address on the given side,
// regardless of direction. Callers filter with AllowsSource.
func (r *Registry) Lookup(side Side, address string) []*Mapping {
	if side == SideVariable {
		return r.byNode[address]
	}
	return r.byTopic[address]
}

// ByID returns the mapping with the given id.
func (r *Registry) ByID(id string) (*Mapping, bool) {
	var m, ok = r.byID[id]
	return m, ok
}

// All returns every mapping in configuration order.
func (r *Registry) All() []*Mapping { return r.all }

// Topics returns the distinct pub/sub topics of mappings which accept
// values from side, for adapter subscription.
func (r *Registry) Topics(side Side) []string {
	var seen = make(map[string]struct{})
	var out []string
	for _, m := range r.all {
		if !m.AllowsSource(side) {
			continue
		}
		var addr = m.AddressOn(side)
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func mappingIDs(ms []*Mapping) []string {
	var ids = make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}
