package remap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeshift/moeshift/internal/schema"
	"github.com/moeshift/moeshift/internal/tensor"
)

// Gate and up projections pad along the output axis; original rows survive
// bit for bit and appended rows are all zero.
func TestPadExpertGateZeroLaw(t *testing.T) {
	cfg := testArchConfig()
	src := rowTensor(t, cfg.RoutedIntermediateSize, cfg.HiddenSize, 1)

	padded, wasPadded, err := padExpert("gate", src, schema.KindExpertGate, cfg)
	require.NoError(t, err)
	assert.True(t, wasPadded)
	assert.Equal(t, tensor.Shape{cfg.SharedIntermediateSize, cfg.HiddenSize}, padded.Shape())

	assert.Equal(t, src.Data(), padded.Data()[:src.ByteSize()])
	for _, b := range padded.Data()[src.ByteSize():] {
		assert.Zero(t, b)
	}
}

// Down projections pad along the input axis instead, so the zero columns
// line up with the zero gate/up rows.
func TestPadExpertDownPadsInputAxis(t *testing.T) {
	cfg := testArchConfig()
	src := rowTensor(t, cfg.HiddenSize, cfg.RoutedIntermediateSize, 1)

	padded, wasPadded, err := padExpert("down", src, schema.KindExpertDown, cfg)
	require.NoError(t, err)
	assert.True(t, wasPadded)
	assert.Equal(t, tensor.Shape{cfg.HiddenSize, cfg.SharedIntermediateSize}, padded.Shape())

	rows := rowsOf(t, padded, cfg.SharedIntermediateSize)
	for r, row := range rows {
		for c, v := range row {
			if c < cfg.RoutedIntermediateSize {
				assert.Equal(t, 1+float32(r), v)
			} else {
				assert.Zero(t, v, "row %d col %d", r, c)
			}
		}
	}
}

func TestPadExpertPassesThroughAtTarget(t *testing.T) {
	cfg := testArchConfig()
	cfg.RoutedIntermediateSize = cfg.SharedIntermediateSize
	src := rowTensor(t, cfg.SharedIntermediateSize, cfg.HiddenSize, 1)

	padded, wasPadded, err := padExpert("gate", src, schema.KindExpertGate, cfg)
	require.NoError(t, err)
	assert.False(t, wasPadded)
	assert.True(t, padded.Equal(src))
}

func TestPadExpertNeverTruncates(t *testing.T) {
	cfg := testArchConfig()
	src := rowTensor(t, cfg.SharedIntermediateSize+2, cfg.HiddenSize, 1)

	_, _, err := padExpert("gate", src, schema.KindExpertGate, cfg)
	var cfgErr *ConfigMismatchError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "gate", cfgErr.Tensor)
}

func TestPadExpertRejectsUndeclaredSize(t *testing.T) {
	cfg := testArchConfig()
	src := rowTensor(t, cfg.RoutedIntermediateSize+1, cfg.HiddenSize, 1)

	_, _, err := padExpert("gate", src, schema.KindExpertGate, cfg)
	var cfgErr *ConfigMismatchError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPadExpertRejectsNonProjectionSlot(t *testing.T) {
	cfg := testArchConfig()
	src := rowTensor(t, cfg.RoutedIntermediateSize, cfg.HiddenSize, 1)

	_, _, err := padExpert("bias", src, schema.KindExpertGateBias, cfg)
	require.Error(t, err)
}
