package remap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Warning is a non-fatal precision deviation recorded during conversion,
// e.g. a discarded nonzero bias. Warnings never affect control flow.
type Warning struct {
	Stage     string  `json:"stage"`
	Tensor    string  `json:"tensor"`
	Detail    string  `json:"detail"`
	Magnitude float64 `json:"magnitude,omitempty"`
}

// Report accumulates observability data for one conversion run and is
// emitted alongside the output. Layer workers build independent reports
// that are merged afterward, so no locking is needed.
type Report struct {
	RunID      string `json:"run_id"`
	SourcePath string `json:"source_path,omitempty"`
	TargetPath string `json:"target_path,omitempty"`

	LayerCount             int `json:"num_layers"`
	RoutedExpertCount      int `json:"num_experts"`
	RoutedIntermediateSize int `json:"routed_intermediate_size"`
	SharedIntermediateSize int `json:"shared_intermediate_size"`

	TensorsRead    int `json:"tensors_read"`
	TensorsWritten int `json:"tensors_written"`
	TensorsPadded  int `json:"tensors_padded"`

	Synthesized []string  `json:"synthesized,omitempty"`
	Warnings    []Warning `json:"warnings,omitempty"`
}

// NewReport creates a report with a fresh run ID.
func NewReport() *Report {
	return &Report{RunID: uuid.NewString()}
}

// AddWarning records a non-fatal deviation.
func (r *Report) AddWarning(w Warning) {
	r.Warnings = append(r.Warnings, w)
}

// AddSynthesized records a target tensor that has no source counterpart and
// was materialized from the config (identity norms, zero score biases).
func (r *Report) AddSynthesized(name string) {
	r.Synthesized = append(r.Synthesized, name)
}

// Merge folds a per-layer report into r.
func (r *Report) Merge(other *Report) {
	r.TensorsPadded += other.TensorsPadded
	r.Synthesized = append(r.Synthesized, other.Synthesized...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// WriteJSON writes the report sidecar.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary report: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %q: %w", path, err)
	}
	return nil
}
