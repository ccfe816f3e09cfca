package safetensors

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/moeshift/moeshift/internal/tensor"
)

// ChecksumMetadataKey holds the hex SHA-256 of the data section in the
// archive metadata. The value is a pure function of the tensors, so it does
// not break byte-identical output across runs.
const ChecksumMetadataKey = "data_sha256"

// Write serializes tensors to path atomically.
//
// Tensors are laid out in lexicographic name order with offsets assigned in
// that same order, and map keys marshal sorted, so identical input yields a
// byte-identical archive. The data is first written to a temporary file in
// the target directory, synced, and renamed over path; a failure at any
// point leaves the previous file (or no file) at path.
func Write(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	if len(tensors) == 0 {
		return fmt.Errorf("refusing to write archive with zero tensors")
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	// Header entries with offsets assigned in name order.
	header := make(map[string]any, len(tensors)+1)
	var currentOffset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(t.ByteSize())
		header[name] = TensorInfo{
			DType:       t.DType().String(),
			Shape:       []int(t.Shape()),
			DataOffsets: [2]int64{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	checksum := sha256.New()
	for _, name := range names {
		checksum.Write(tensors[name].Data())
	}
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[ChecksumMetadataKey] = hex.EncodeToString(checksum.Sum(nil))
	header[MetadataKey] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	// On any failure below the temp file is removed and path is untouched.
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	if err := binary.Write(tmp, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fail(fmt.Errorf("failed to write header size: %w", err))
	}
	if _, err := tmp.Write(headerJSON); err != nil {
		return fail(fmt.Errorf("failed to write header: %w", err))
	}
	for _, name := range names {
		if _, err := tmp.Write(tensors[name].Data()); err != nil {
			return fail(fmt.Errorf("failed to write tensor %q: %w", name, err))
		}
	}

	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync archive: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %q: %w", path, err)
	}
	return nil
}
