package remap

import (
	"fmt"

	"github.com/moeshift/moeshift/internal/tensor"
)

// Mapping is an ordered name-to-tensor map. Names are unique; Put rejects
// duplicates so no transform can silently overwrite another's output.
type Mapping struct {
	names   []string
	tensors map[string]*tensor.Tensor
}

// NewMapping creates an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{tensors: make(map[string]*tensor.Tensor)}
}

// Put inserts a tensor under a name not yet present.
func (m *Mapping) Put(name string, t *tensor.Tensor) error {
	if _, exists := m.tensors[name]; exists {
		return fmt.Errorf("duplicate tensor name %q", name)
	}
	m.names = append(m.names, name)
	m.tensors[name] = t
	return nil
}

// Get returns the tensor stored under name.
func (m *Mapping) Get(name string) (*tensor.Tensor, bool) {
	t, ok := m.tensors[name]
	return t, ok
}

// Has reports whether name is present.
func (m *Mapping) Has(name string) bool {
	_, ok := m.tensors[name]
	return ok
}

// Names returns the names in insertion order.
func (m *Mapping) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Len returns the number of tensors.
func (m *Mapping) Len() int { return len(m.names) }

// Tensors returns the underlying name-to-tensor map for serialization.
func (m *Mapping) Tensors() map[string]*tensor.Tensor { return m.tensors }

// Append moves every entry of other into m, preserving other's order.
func (m *Mapping) Append(other *Mapping) error {
	for _, name := range other.names {
		if err := m.Put(name, other.tensors[name]); err != nil {
			return err
		}
	}
	return nil
}
