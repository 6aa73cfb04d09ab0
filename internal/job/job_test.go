package job

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/esbench/internal/config"
	"github.com/copyleftdev/esbench/internal/errors"
	"github.com/copyleftdev/esbench/internal/optimization"
	"github.com/copyleftdev/esbench/internal/optimization/adapter"
)

// recordingStore keeps blobs in memory and remembers every save.
type recordingStore struct {
	mu     sync.Mutex
	blobs  map[int][]byte
	saves  []int
	fail   bool
	closed bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{blobs: make(map[int][]byte)}
}

func (s *recordingStore) Save(_ context.Context, rep int, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New(errors.KindCheckpointIO, "disk full")
	}
	s.blobs[rep] = append([]byte(nil), blob...)
	s.saves = append(s.saves, rep)
	return nil
}

func (s *recordingStore) Load(_ context.Context, rep int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[rep]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return blob, nil
}

func (s *recordingStore) Close() error {
	s.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	xInit := 1.0
	cfg.LogPath = t.TempDir()
	cfg.Seed = 11
	cfg.Problem.Dim = 5
	cfg.OptimParams.XInit = &xInit
	cfg.OptimParams.InitSigma = 0.5
	cfg.OptimParams.NSamples = 8
	return cfg
}

func initializedJob(t *testing.T, cfg *config.Config, rep int, store CheckpointStore) *Job {
	t.Helper()
	j := New(WithStore(store))
	require.NoError(t, j.Initialize(context.Background(), cfg, rep))
	return j
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func TestFirstIteration(t *testing.T) {
	cfg := testConfig(t)
	j := initializedJob(t, cfg, 0, newRecordingStore())
	assert.Equal(t, Ready, j.State())

	rec, err := j.Iterate(context.Background(), cfg, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, Iterating, j.State())
	assert.Equal(t, 8, rec.TotalSamples)
	assert.Equal(t, 0, rec.Iteration)
	assert.Equal(t, 8, rec.FunctionID)
	assert.True(t, finite(rec.CurrentOpt))
	assert.True(t, finite(rec.MeanOpt))
	assert.True(t, finite(rec.MedianOpt))
	assert.True(t, finite(rec.Entropy))
	assert.GreaterOrEqual(t, rec.MeanOpt, 0.0)
	assert.GreaterOrEqual(t, rec.MedianOpt, 0.0)
}

func TestTenIterationScenario(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	// Averaged over seeded repetitions the mean regret falls.
	var first, last float64
	const reps = 5
	for rep := 0; rep < reps; rep++ {
		j := initializedJob(t, cfg, rep, newRecordingStore())

		var rec IterationRecord
		var err error
		for n := 0; n < 10; n++ {
			rec, err = j.Iterate(ctx, cfg, rep, n)
			require.NoError(t, err)
			assert.Equal(t, (n+1)*8, rec.TotalSamples)
			if n == 0 {
				first += rec.MeanOpt / reps
			}
		}
		last += rec.MeanOpt / reps
		assert.Equal(t, 80, rec.TotalSamples)
		require.NoError(t, j.Finalize())
	}
	assert.Less(t, last, first)
}

func TestSaveStateCadence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Problem.Dim = 2
	store := newRecordingStore()
	j := initializedJob(t, cfg, 3, store)

	var saved []int
	for n := 0; n < 120; n++ {
		_, err := j.Iterate(ctx, cfg, 3, n)
		require.NoError(t, err)

		before := len(store.saves)
		require.NoError(t, j.SaveState(ctx, cfg, 3, n))
		if len(store.saves) > before {
			saved = append(saved, n)
		}
	}
	assert.Equal(t, []int{0, 50, 100}, saved)
}

func TestSaveStateConfigurableCadence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Checkpoint.Every = 7
	store := newRecordingStore()
	j := initializedJob(t, cfg, 0, store)

	for n := 0; n < 15; n++ {
		_, err := j.Iterate(ctx, cfg, 0, n)
		require.NoError(t, err)
		require.NoError(t, j.SaveState(ctx, cfg, 0, n))
	}
	assert.Len(t, store.saves, 3) // 0, 7, 14
}

func TestSaveFailuresSurfaceAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Checkpoint.Every = 1
	cfg.Checkpoint.MaxFailures = 3
	store := newRecordingStore()
	store.fail = true
	j := initializedJob(t, cfg, 0, store)

	for n := 0; n < 2; n++ {
		_, err := j.Iterate(ctx, cfg, 0, n)
		require.NoError(t, err)
		assert.NoError(t, j.SaveState(ctx, cfg, 0, n), "failure %d is tolerated", n+1)
	}

	_, err := j.Iterate(ctx, cfg, 0, 2)
	require.NoError(t, err)
	err = j.SaveState(ctx, cfg, 0, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCheckpointIO))

	// A success resets the count.
	store.fail = false
	_, err = j.Iterate(ctx, cfg, 0, 3)
	require.NoError(t, err)
	require.NoError(t, j.SaveState(ctx, cfg, 0, 3))
	store.fail = true
	_, err = j.Iterate(ctx, cfg, 0, 4)
	require.NoError(t, err)
	assert.NoError(t, j.SaveState(ctx, cfg, 0, 4))
}

func TestLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	j := New(WithStore(newRecordingStore()))

	_, err := j.Iterate(ctx, cfg, 0, 0)
	assert.True(t, errors.Is(err, errors.ErrState))
	assert.True(t, errors.Is(j.SaveState(ctx, cfg, 0, 0), errors.ErrState))
	assert.Equal(t, -1, j.Rep())

	require.NoError(t, j.Initialize(ctx, cfg, 1))
	assert.True(t, errors.Is(j.Initialize(ctx, cfg, 1), errors.ErrState))

	_, err = j.Iterate(ctx, cfg, 2, 0)
	assert.True(t, errors.Is(err, errors.ErrState), "wrong rep")

	_, err = j.Iterate(ctx, cfg, 1, 5)
	assert.True(t, errors.Is(err, errors.ErrState), "skipped iteration")

	_, err = j.Iterate(ctx, cfg, 1, 0)
	require.NoError(t, err)
	_, err = j.Iterate(ctx, cfg, 1, 0)
	assert.True(t, errors.Is(err, errors.ErrState), "repeated iteration")

	_, err = j.RestoreState(ctx, cfg, 1)
	assert.True(t, errors.Is(err, errors.ErrState), "restore after iterating")

	require.NoError(t, j.Finalize())
	require.NoError(t, j.Finalize())
	assert.Equal(t, Finalized, j.State())

	_, err = j.Iterate(ctx, cfg, 1, 1)
	assert.True(t, errors.Is(err, errors.ErrState))
}

func TestInitializeConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Problem.FunctionID = 99
	err := New(WithStore(newRecordingStore())).Initialize(ctx, cfg, 0)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	cfg = testConfig(t)
	cfg.Problem.Dim = 0
	err = New(WithStore(newRecordingStore())).Initialize(ctx, cfg, 0)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	cfg = testConfig(t)
	cfg.OptimParams.XInit = nil
	err = New(WithStore(newRecordingStore())).Initialize(ctx, cfg, 0)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	cfg = testConfig(t)
	cfg.OptimParams.NSamples = 0
	j := New(WithStore(newRecordingStore()))
	err = j.Initialize(ctx, cfg, 0)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	assert.Contains(t, err.Error(), "n_samples")
	assert.Equal(t, Uninitialized, j.State())

	cfg = testConfig(t)
	cfg.OptimParams.InitSigma = 0
	err = New(WithStore(newRecordingStore())).Initialize(ctx, cfg, 0)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	assert.Contains(t, err.Error(), "init_sigma")
}

// divergentAtMean reports +Inf for the centroid while batch evaluations
// stay finite.
type divergentAtMean struct {
	optimization.Problem
}

func (divergentAtMean) EvaluateOne([]float64) (float64, error) {
	return math.Inf(1), nil
}

func TestNonFiniteFitnessAtMean(t *testing.T) {
	cfg := testConfig(t)
	j := initializedJob(t, cfg, 0, newRecordingStore())
	j.problem = divergentAtMean{Problem: j.problem}

	rec, err := j.Iterate(context.Background(), cfg, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNumerical))
	assert.Contains(t, err.Error(), "at the mean")
	assert.Zero(t, rec)
	assert.Equal(t, 0, j.NextIteration())
}

func TestInvalidOverrideSurfacesNumericalError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	c1, cmu := 3.0, 0.0
	cfg.OptimParams.C1 = &c1
	cfg.OptimParams.Cmu = &cmu
	j := initializedJob(t, cfg, 0, newRecordingStore())
	assert.Equal(t, 3.0, j.Optimizer().(*adapter.Adapter).Coefficients().C1)

	// C ← (1 - c1)·C + c1·pc·pcᵀ is no longer positive definite.
	_, err := j.Iterate(ctx, cfg, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNumerical))
}

func TestRestoreStateResumes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	store := newRecordingStore()

	original := initializedJob(t, cfg, 2, store)
	for n := 0; n <= 50; n++ {
		_, err := original.Iterate(ctx, cfg, 2, n)
		require.NoError(t, err)
		require.NoError(t, original.SaveState(ctx, cfg, 2, n))
	}

	resumed := initializedJob(t, cfg, 2, store)
	next, err := resumed.RestoreState(ctx, cfg, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, next, "resume is opt-in")

	cfg.Checkpoint.Resume = true
	next, err = resumed.RestoreState(ctx, cfg, 2)
	require.NoError(t, err)
	assert.Equal(t, 51, next)
	assert.Equal(t, original.Optimizer().Mean(), resumed.Optimizer().Mean())
	assert.Equal(t, original.Optimizer().Sigma(), resumed.Optimizer().Sigma())

	want, err := original.Iterate(ctx, cfg, 2, 51)
	require.NoError(t, err)
	got, err := resumed.Iterate(ctx, cfg, 2, 51)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRestoreStateWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Checkpoint.Resume = true

	j := initializedJob(t, cfg, 4, newRecordingStore())
	next, err := j.RestoreState(ctx, cfg, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, next)
}

func TestRestoreStateRejectsMismatchedCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	store := newRecordingStore()

	other := adapter.New()
	require.NoError(t, other.Initialize([]float64{0, 0, 0}, 0.5, 8, adapter.Overrides{}))
	blob, err := other.MarshalBinary()
	require.NoError(t, err)
	store.blobs[0] = blob

	cfg.Checkpoint.Resume = true
	j := initializedJob(t, cfg, 0, store)
	_, err = j.RestoreState(ctx, cfg, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCheckpointIO))

	store.blobs[0] = []byte("pickle")
	j = initializedJob(t, cfg, 0, store)
	_, err = j.RestoreState(ctx, cfg, 0)
	assert.True(t, errors.Is(err, errors.ErrCheckpointIO))
}

func TestFinalizeClosesOwnedStoreOnly(t *testing.T) {
	cfg := testConfig(t)
	store := newRecordingStore()
	j := initializedJob(t, cfg, 0, store)
	require.NoError(t, j.Finalize())
	assert.False(t, store.closed)

	owned := New()
	require.NoError(t, owned.Initialize(context.Background(), cfg, 0))
	_, ok := owned.store.(*FSStore)
	assert.True(t, ok)
	require.NoError(t, owned.Finalize())
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 0.0, median(nil))

	in := []float64{5, 4}
	median(in)
	assert.Equal(t, []float64{5, 4}, in)
}
