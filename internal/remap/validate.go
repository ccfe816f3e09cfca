package remap

import (
	"sort"

	"github.com/moeshift/moeshift/internal/schema"
)

// validateMapping cross-checks the assembled target mapping against the
// shape table derived from the architecture config: every required tensor
// present exactly once with the derived shape, no unexpected extras. The
// mapping's own uniqueness invariant covers "exactly once"; what remains is
// completeness, shape, and absence of strays. Names are checked in sorted
// order so the first reported offender is deterministic.
func validateMapping(m *Mapping, expected map[string]schema.Expected) error {
	required := make([]string, 0, len(expected))
	for name := range expected {
		required = append(required, name)
	}
	sort.Strings(required)

	for _, name := range required {
		want := expected[name]
		t, ok := m.Get(name)
		if !ok {
			return &ConfigMismatchError{
				Tensor:   name,
				Expected: want.Shape,
				Detail:   "required tensor missing from converted checkpoint",
			}
		}
		if !t.Shape().Equal(want.Shape) {
			return &ConfigMismatchError{
				Tensor:   name,
				Actual:   t.Shape(),
				Expected: want.Shape,
			}
		}
	}

	for _, name := range m.Names() {
		if _, ok := expected[name]; !ok {
			return &ConfigMismatchError{
				Tensor: name,
				Detail: "unexpected tensor not part of the target schema",
			}
		}
	}
	return nil
}
