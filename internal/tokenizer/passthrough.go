// Package tokenizer handles the tokenizer definition files that accompany a
// checkpoint. The converter never interprets them beyond a consistency
// check: vocabulary and merge files are copied through byte-for-byte for
// the inference runtime to consume.
package tokenizer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// DefinitionFiles are the tokenizer files carried alongside a checkpoint,
// in the order they are copied. Missing optional files are skipped.
var DefinitionFiles = []string{
	"tokenizer.json",
	"tokenizer_config.json",
	"vocab.json",
	"merges.txt",
}

// Metadata summarizes a HuggingFace tokenizer.json for consistency checks.
type Metadata struct {
	Type      string
	VocabSize int
}

// Inspect reads tokenizer.json and extracts the model type and vocabulary
// size. The added-token list counts toward the vocabulary, matching how
// runtimes size their embedding lookup.
func Inspect(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer definition: %w", err)
	}

	var raw struct {
		Model struct {
			Type  string                 `json:"type"`
			Vocab map[string]json.RawMessage `json:"vocab"`
		} `json:"model"`
		AddedTokens []struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer definition: %w", err)
	}

	meta := &Metadata{Type: raw.Model.Type, VocabSize: len(raw.Model.Vocab)}
	for _, added := range raw.AddedTokens {
		if added.ID >= meta.VocabSize {
			meta.VocabSize = added.ID + 1
		}
	}
	return meta, nil
}

// CheckVocabSize verifies the tokenizer vocabulary agrees with the declared
// model vocabulary. A tokenizer smaller than the embedding table is legal
// (padded vocab rows); a larger one would index out of bounds at inference.
func (m *Metadata) CheckVocabSize(declared int) error {
	if m.VocabSize > declared {
		return fmt.Errorf("tokenizer vocabulary of %d tokens exceeds declared vocab_size %d", m.VocabSize, declared)
	}
	return nil
}

// CopyThrough copies the known definition files from srcDir to dstDir
// byte-for-byte. Returns the names actually copied; tokenizer.json is
// required, the rest are optional.
func CopyThrough(srcDir, dstDir string) ([]string, error) {
	var copied []string
	for i, name := range DefinitionFiles {
		src := filepath.Join(srcDir, name)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				if i == 0 {
					return nil, fmt.Errorf("tokenizer definition %q not found in %q", name, srcDir)
				}
				continue
			}
			return nil, err
		}
		if err := copyFile(src, filepath.Join(dstDir, name)); err != nil {
			return nil, err
		}
		copied = append(copied, name)
	}
	return copied, nil
}

// copyFile replaces dst with an exact copy of src, atomically.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to copy %q: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %q: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %q: %w", dst, err)
	}
	return nil
}
