// Package safetensors reads and writes checkpoint archives in the
// safetensors format:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
//
// The header maps tensor names to dtype, shape, and data offsets relative to
// the start of the data section. The writer emits tensors in lexicographic
// name order and replaces the target path atomically, so two runs over
// identical input produce byte-identical archives and readers never observe
// a half-written checkpoint.
package safetensors

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Validation limits for resource protection.
const (
	MaxHeaderSize  = 100 * 1024 * 1024 // 100MB - maximum header size
	MaxTensorCount = 100_000           // Maximum number of tensors in a file
)

// MetadataKey is the reserved header key for file-level metadata.
const MetadataKey = "__metadata__"

// TensorInfo describes one tensor entry in the header.
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) relative to data section
}

// Header is the parsed JSON header of an archive.
type Header struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
}

// UnmarshalJSON splits the flat safetensors header into metadata and
// tensor entries.
func (h *Header) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap[MetadataKey]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]TensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == MetadataKey {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}
	return nil
}

// FormatError reports a malformed, truncated, or internally inconsistent
// archive. The zero Tensor means the error is not tied to one entry.
type FormatError struct {
	Tensor string
	Detail string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("format error: tensor %q: %s", e.Tensor, e.Detail)
	}
	return fmt.Sprintf("format error: %s", e.Detail)
}

// validateOffsets checks every tensor's data region for negative values,
// out-of-bounds access, and overlaps with its neighbors. Malformed offsets
// would otherwise let one tensor's bytes leak into another.
func validateOffsets(tensors map[string]TensorInfo, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &FormatError{Detail: fmt.Sprintf("too many tensors: got %d, max %d", len(tensors), MaxTensorCount)}
	}

	type region struct {
		name       string
		start, end int64
	}
	regions := make([]region, 0, len(tensors))
	for name, info := range tensors {
		regions = append(regions, region{name, info.DataOffsets[0], info.DataOffsets[1]})
	}
	sort.Slice(regions, func(i, j int) bool {
		if regions[i].start != regions[j].start {
			return regions[i].start < regions[j].start
		}
		return regions[i].name < regions[j].name
	})

	for i, r := range regions {
		if r.start < 0 || r.end < r.start {
			return &FormatError{
				Tensor: r.name,
				Detail: fmt.Sprintf("invalid data offsets [%d, %d)", r.start, r.end),
			}
		}
		if r.end > dataSize {
			return &FormatError{
				Tensor: r.name,
				Detail: fmt.Sprintf("data region [%d, %d) extends beyond data section of %d bytes", r.start, r.end, dataSize),
			}
		}
		if i < len(regions)-1 {
			next := regions[i+1]
			if r.end > next.start {
				return &FormatError{
					Tensor: r.name,
					Detail: fmt.Sprintf("data region [%d, %d) overlaps tensor %q at [%d, %d)",
						r.start, r.end, next.name, next.start, next.end),
				}
			}
		}
	}
	return nil
}
