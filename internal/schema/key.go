// Package schema defines the tensor naming schemas of the source and target
// checkpoint conventions, the declared architecture configuration, and the
// expected-shape table derived from it.
//
// Names are never hardcoded per layer: a Key identifies a tensor
// structurally (slot, layer, expert) and a Schema renders it to the concrete
// dotted name of one convention. The rendering templates are themselves
// configuration and can be overridden from a YAML rules file.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a tensor slot independent of layer and expert index.
type Kind string

// Block classifies the model block a slot belongs to.
type Block int

// Block kinds.
const (
	BlockGlobal Block = iota
	BlockNorm
	BlockAttention
	BlockRouter
	BlockExpert
	BlockSharedExpert
)

// Role distinguishes weight from bias tensors.
type Role int

// Tensor roles.
const (
	RoleWeight Role = iota
	RoleBias
)

// Key is the structured identifier of one tensor. Layer is -1 for global
// tensors; Expert is -1 for everything but routed-expert tensors.
type Key struct {
	Kind   Kind
	Layer  int
	Expert int
}

// GlobalKey returns a key for a tensor outside any layer.
func GlobalKey(kind Kind) Key {
	return Key{Kind: kind, Layer: -1, Expert: -1}
}

// LayerKey returns a key for a per-layer tensor.
func LayerKey(kind Kind, layer int) Key {
	return Key{Kind: kind, Layer: layer, Expert: -1}
}

// ExpertKey returns a key for a routed expert's tensor.
func ExpertKey(kind Kind, layer, expert int) Key {
	return Key{Kind: kind, Layer: layer, Expert: expert}
}

// String renders the key for diagnostics.
func (k Key) String() string {
	switch {
	case k.Expert >= 0:
		return fmt.Sprintf("%s[layer=%d,expert=%d]", k.Kind, k.Layer, k.Expert)
	case k.Layer >= 0:
		return fmt.Sprintf("%s[layer=%d]", k.Kind, k.Layer)
	default:
		return string(k.Kind)
	}
}

// kindInfo carries the structural classification of a slot.
type kindInfo struct {
	block Block
	role  Role
}

// Block returns the block kind of the key's slot.
func (k Key) Block() Block {
	return kindTable[k.Kind].block
}

// Role returns whether the key names a weight or a bias.
func (k Key) Role() Role {
	return kindTable[k.Kind].role
}

// render substitutes {layer} and {expert} placeholders in a name template.
func render(template string, k Key) string {
	name := template
	if k.Layer >= 0 {
		name = strings.ReplaceAll(name, "{layer}", strconv.Itoa(k.Layer))
	}
	if k.Expert >= 0 {
		name = strings.ReplaceAll(name, "{expert}", strconv.Itoa(k.Expert))
	}
	return name
}
