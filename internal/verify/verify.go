// Package verify re-reads a converted checkpoint and checks it against the
// architecture config, optionally against a set of reference tensor hashes.
// Hash comparison catches semantic errors pure shape-checking cannot, such
// as a correctly shaped but wrongly ordered expert stack.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/moeshift/moeshift/internal/safetensors"
	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/tensor"
)

// Status classifies a verification outcome.
type Status int

// Verification outcomes. Inconclusive means the pass could not finish
// (deadline expired); it is reported separately from a failed conversion
// because it depends on caller-supplied bounds, not on the output itself.
const (
	Passed Status = iota
	Failed
	Inconclusive
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Inconclusive:
		return "inconclusive"
	default:
		return "unknown"
	}
}

// Result is the outcome of one verification pass.
type Result struct {
	Status   Status
	Problems []string
	Checked  int
}

func (r *Result) addProblem(format string, args ...any) {
	r.Status = Failed
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Run verifies the archive at path. The context bounds the pass: when its
// deadline expires mid-run the result is Inconclusive, never Failed.
// refHashes may be nil; when present, every named tensor's bytes must hash
// to the recorded value.
func Run(ctx context.Context, path string, cfg *schema.ArchitectureConfig, target *schema.Schema, refHashes map[string]string) (*Result, error) {
	reader, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	expected, err := schema.ExpectedShapes(cfg, target)
	if err != nil {
		return nil, err
	}

	result := &Result{Status: Passed}

	required := make([]string, 0, len(expected))
	for name := range expected {
		required = append(required, name)
	}
	sort.Strings(required)

	for _, name := range required {
		if ctx.Err() != nil {
			return &Result{Status: Inconclusive, Problems: []string{"verification deadline expired"}, Checked: result.Checked}, nil
		}
		want := expected[name]
		info, ok := reader.Info(name)
		if !ok {
			result.addProblem("required tensor %q missing", name)
			continue
		}
		if !tensor.Shape(info.Shape).Equal(want.Shape) {
			result.addProblem("tensor %q has shape %s, expected %s", name, tensor.Shape(info.Shape), want.Shape)
		}
		if info.DType != tensor.Float32.String() {
			result.addProblem("tensor %q has dtype %s, expected %s", name, info.DType, tensor.Float32)
		}
		result.Checked++
	}
	for _, name := range reader.Names() {
		if _, ok := expected[name]; !ok {
			result.addProblem("unexpected tensor %q", name)
		}
	}

	if refHashes != nil {
		if err := compareHashes(ctx, reader, refHashes, result); err != nil {
			return nil, err
		}
		if result.Status == Inconclusive {
			return result, nil
		}
	}
	return result, nil
}

// compareHashes checks every reference-named tensor's bytes against the
// recorded SHA-256.
func compareHashes(ctx context.Context, reader *safetensors.Reader, refHashes map[string]string, result *Result) error {
	names := make([]string, 0, len(refHashes))
	for name := range refHashes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			result.Status = Inconclusive
			result.Problems = append(result.Problems, "verification deadline expired during hash comparison")
			return nil
		}
		t, err := reader.Load(name)
		if err != nil {
			result.addProblem("reference tensor %q could not be read: %v", name, err)
			continue
		}
		sum := sha256.Sum256(t.Data())
		if got := hex.EncodeToString(sum[:]); got != refHashes[name] {
			result.addProblem("tensor %q hash %s disagrees with reference %s", name, got, refHashes[name])
		}
	}
	return nil
}

// LoadReferenceHashes reads a JSON file mapping tensor names to hex SHA-256
// digests of their raw bytes.
func LoadReferenceHashes(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference hashes: %w", err)
	}
	var hashes map[string]string
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("failed to parse reference hashes: %w", err)
	}
	return hashes, nil
}

// ComputeHashes produces the reference-hash map for an archive, suitable
// for later comparison runs.
func ComputeHashes(path string) (map[string]string, error) {
	reader, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	hashes := make(map[string]string, len(reader.Names()))
	for _, name := range reader.Names() {
		t, err := reader.Load(name)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(t.Data())
		hashes[name] = hex.EncodeToString(sum[:])
	}
	return hashes, nil
}
