package remap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeshift/moeshift/internal/tensor"
)

// Slice i of the stack is bit-identical to expert i's tensor.
func TestStackExpertsOrderLaw(t *testing.T) {
	cfg := testArchConfig()
	names := make([]string, cfg.RoutedExpertCount)
	experts := make([]*tensor.Tensor, cfg.RoutedExpertCount)
	for i := range experts {
		names[i] = string(rune('a' + i))
		experts[i] = rowTensor(t, cfg.SharedIntermediateSize, cfg.HiddenSize, float32(i*1000))
	}

	stacked, err := stackExperts(names, experts, cfg)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{cfg.RoutedExpertCount, cfg.SharedIntermediateSize, cfg.HiddenSize}, stacked.Shape())

	block := experts[0].ByteSize()
	for i, expert := range experts {
		assert.Equal(t, expert.Data(), stacked.Data()[i*block:(i+1)*block], "expert %d", i)
	}
}

func TestStackExpertsRejectsWrongCount(t *testing.T) {
	cfg := testArchConfig()
	experts := []*tensor.Tensor{
		rowTensor(t, cfg.SharedIntermediateSize, cfg.HiddenSize, 0),
	}

	_, err := stackExperts([]string{"a"}, experts, cfg)
	var cfgErr *ConfigMismatchError
	require.ErrorAs(t, err, &cfgErr)
}

func TestStackExpertsRejectsDivergentShapes(t *testing.T) {
	cfg := testArchConfig()
	names := make([]string, cfg.RoutedExpertCount)
	experts := make([]*tensor.Tensor, cfg.RoutedExpertCount)
	for i := range experts {
		names[i] = string(rune('a' + i))
		experts[i] = rowTensor(t, cfg.SharedIntermediateSize, cfg.HiddenSize, 0)
	}
	experts[2] = rowTensor(t, cfg.HiddenSize, cfg.SharedIntermediateSize, 0)

	_, err := stackExperts(names, experts, cfg)
	var shapeErr *ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "c", shapeErr.Tensor)
}

func TestStripBiasRecordsMagnitude(t *testing.T) {
	report := &Report{}
	zero, err := tensor.Zeros(tensor.Shape{4}, tensor.Float32)
	require.NoError(t, err)
	require.NoError(t, stripBias("zero.bias", zero, report))
	assert.Empty(t, report.Warnings)

	nonzero, err := tensor.FromFloat32(tensor.Shape{4}, []float32{3, 4, 0, 0})
	require.NoError(t, err)
	require.NoError(t, stripBias("gate.bias", nonzero, report))
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "gate.bias", report.Warnings[0].Tensor)
	assert.InDelta(t, 5.0, report.Warnings[0].Magnitude, 1e-9)
}
