package adapter

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/optimization/optimtest"
)

func ptr(v float64) *float64 { return &v }

func initialized(t *testing.T, dim int, sigma float64, overrides Overrides) *Adapter {
	t.Helper()
	x := make([]float64, dim)
	for i := range x {
		x[i] = 0.5
	}
	a := New(WithSeed(7))
	require.NoError(t, a.Initialize(x, sigma, 8, overrides))
	return a
}

func iterate(t *testing.T, a *Adapter, generations int) {
	t.Helper()
	for g := 0; g < generations; g++ {
		points, err := a.Ask()
		require.NoError(t, err)
		require.NoError(t, a.Tell(points, optimtest.SphereBatch(points)))
	}
}

func TestUninitializedAdapter(t *testing.T) {
	a := New()

	_, err := a.Ask()
	assert.True(t, errors.Is(err, errors.ErrState))
	_, err = a.Entropy()
	assert.True(t, errors.Is(err, errors.ErrState))
	_, err = a.MarshalBinary()
	assert.True(t, errors.Is(err, errors.ErrState))
	assert.Nil(t, a.Mean())
}

func TestInitializeRejectsBadSettings(t *testing.T) {
	a := New()
	err := a.Initialize(nil, 0.5, 8, Overrides{})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	err = a.Initialize([]float64{1, 2}, -1, 8, Overrides{})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEntropyOfInitialDistribution(t *testing.T) {
	for _, tc := range []struct {
		dim   int
		sigma float64
	}{
		{1, 1},
		{5, 0.5},
		{10, 2},
	} {
		a := initialized(t, tc.dim, tc.sigma, Overrides{})
		h, err := a.Entropy()
		require.NoError(t, err)

		n := float64(tc.dim)
		want := n*math.Log(tc.sigma) + n/2*math.Log(2*math.Pi) + n/2
		assert.InDelta(t, want, h, 1e-12, "dim=%d sigma=%v", tc.dim, tc.sigma)
	}
}

func TestEntropyIncreasesWithSigma(t *testing.T) {
	previous := math.Inf(-1)
	for _, sigma := range []float64{0.1, 0.5, 1, 3} {
		h, err := initialized(t, 5, sigma, Overrides{}).Entropy()
		require.NoError(t, err)
		assert.Greater(t, h, previous)
		previous = h
	}
}

func TestEntropyFailsOnDegenerateCovariance(t *testing.T) {
	a := initialized(t, 3, 0.5, Overrides{})
	state, err := a.es.Export()
	require.NoError(t, err)

	for i := range state.Covariance {
		state.Covariance[i] = 1
	}
	_, err = StateEntropy(state)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNumerical))
}

func TestOverrideChangesOnlyItsCoefficient(t *testing.T) {
	defaults := initialized(t, 5, 0.5, Overrides{}).Coefficients()

	got := initialized(t, 5, 0.5, Overrides{C1: ptr(0.01)}).Coefficients()
	assert.Equal(t, 0.01, got.C1)
	assert.Equal(t, defaults.Cc, got.Cc)
	assert.Equal(t, defaults.Cmu, got.Cmu)
	assert.Equal(t, defaults.Cs, got.Cs)
	assert.Equal(t, defaults.Damps, got.Damps)
}

func TestAllOverridesApply(t *testing.T) {
	got := initialized(t, 4, 0.5, Overrides{
		Cc:     ptr(0.3),
		C1:     ptr(0.02),
		Cmu:    ptr(0.04),
		DSigma: ptr(2.5),
		CSigma: ptr(0.6),
	}).Coefficients()

	assert.Equal(t, 0.3, got.Cc)
	assert.Equal(t, 0.02, got.C1)
	assert.Equal(t, 0.04, got.Cmu)
	assert.Equal(t, 2.5, got.Damps)
	assert.Equal(t, 0.6, got.Cs)
}

func TestTellRejectsNaN(t *testing.T) {
	a := initialized(t, 2, 0.5, Overrides{})
	points, err := a.Ask()
	require.NoError(t, err)

	fitness := optimtest.SphereBatch(points)
	fitness[0] = math.NaN()
	err = a.Tell(points, fitness)
	assert.True(t, errors.Is(err, errors.ErrNumerical))
}

func TestCheckpointRoundTrip(t *testing.T) {
	original := initialized(t, 5, 0.5, Overrides{C1: ptr(0.01)})
	iterate(t, original, 20)

	blob, err := original.MarshalBinary()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.UnmarshalBinary(blob))

	assert.Equal(t, original.Generation(), restored.Generation())
	assert.Equal(t, original.Sigma(), restored.Sigma())
	assert.Equal(t, original.Coefficients(), restored.Coefficients())
	optimtest.AssertFloat64SlicesEqual(t, restored.Mean(), original.Mean(), 0)

	hOriginal, err := original.Entropy()
	require.NoError(t, err)
	hRestored, err := restored.Entropy()
	require.NoError(t, err)
	assert.InDelta(t, hOriginal, hRestored, 1e-12)

	want, err := original.Ask()
	require.NoError(t, err)
	got, err := restored.Ask()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		optimtest.AssertFloat64SlicesEqual(t, got[i], want[i], 1e-12)
	}
}

func TestDecodeRejectsForeignBlobs(t *testing.T) {
	a := initialized(t, 3, 0.5, Overrides{})
	blob, err := a.MarshalBinary()
	require.NoError(t, err)

	h := blob[:headerSize]
	assert.Equal(t, "ESCK", string(h[:4]))
	assert.Equal(t, FormatVersion, binary.BigEndian.Uint16(h[4:]))

	wrongMagic := append([]byte("PKL!"), blob[4:]...)
	futureVersion := append([]byte(nil), blob...)
	binary.BigEndian.PutUint16(futureVersion[4:], FormatVersion+1)
	truncated := blob[:len(blob)/2]

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("ESC")},
		{"wrong magic", wrongMagic},
		{"future version", futureVersion},
		{"truncated payload", truncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().UnmarshalBinary(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCheckpointIO))
		})
	}
}
