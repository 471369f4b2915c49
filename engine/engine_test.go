package engine

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/mtharp/bridgebid/appconfig"
	"github.com/mtharp/bridgebid/bidding"
	"github.com/mtharp/bridgebid/checkpoint"
	"github.com/mtharp/bridgebid/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource map[int][]bidding.Deal

func (m memSource) Deals(c int) ([]bidding.Deal, error) {
	deals, ok := m[c]
	if !ok {
		return nil, bidding.ErrDataUnavailable
	}
	out := make([]bidding.Deal, len(deals))
	copy(out, deals)
	return out, nil
}

type scorer func(row []float64) []float64

func (s scorer) Predict(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s(row)
	}
	return out, nil
}

type trainCall struct {
	x, y [][]float64
	dir  string
}

type fakeBackend struct {
	model     Model
	untrained int
	loaded    []string
	trained   []trainCall
}

func (b *fakeBackend) Untrained() Model {
	b.untrained++
	return b.model
}

func (b *fakeBackend) Load(path string) (Model, error) {
	b.loaded = append(b.loaded, path)
	return b.model, nil
}

func (b *fakeBackend) Train(x, y [][]float64, dir string) (checkpoint.Artifact, error) {
	b.trained = append(b.trained, trainCall{x, y, dir})
	if err := os.MkdirAll(dir, 0755); err != nil {
		return checkpoint.Artifact{}, err
	}
	loss := 1.0 / float64(len(b.trained))
	path := filepath.Join(dir, checkpoint.ArtifactName(1, loss, ".json"))
	if err := ioutil.WriteFile(path, []byte("{}"), 0644); err != nil {
		return checkpoint.Artifact{}, err
	}
	return checkpoint.Artifact{Path: path, ValLoss: loss}, nil
}

type countingObserver struct {
	NopObserver
	started, steps, episodes, evals int
	last                            EvalReport
}

func (o *countingObserver) EpisodeStarted(EpisodeReport) { o.started++ }
func (o *countingObserver) StepDone(StepReport)          { o.steps++ }
func (o *countingObserver) EpisodeDone(EpisodeReport)    { o.episodes++ }
func (o *countingObserver) Evaluated(r EvalReport)       { o.evals++; o.last = r }

func testConfig(t *testing.T) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.BaseDir = t.TempDir()
	cfg.Epsilon = 0
	cfg.Seed = 1
	cfg.MaxSteps = 3
	cfg.MaxEpisodes = 2
	cfg.Chunks = 2
	cfg.ScoreNormalizer = 1
	return cfg
}

func deal(card int, rewards ...float64) bidding.Deal {
	var d bidding.Deal
	d.Hands[bidding.SeatA][card] = 1
	d.Hands[bidding.SeatB][card] = 1
	copy(d.Rewards[:], rewards)
	return d
}

// climb always bids the lowest legal level and never passes.
func climb(row []float64) []float64 {
	s := make([]float64, bidding.NumBids)
	s[0] = -1
	for i := 1; i < bidding.NumBids; i++ {
		s[i] = float64(bidding.NumBids - i)
	}
	return s
}

func alwaysPass(row []float64) []float64 {
	s := make([]float64, bidding.NumBids)
	s[0] = 1
	return s
}

func newEngine(t *testing.T, cfg *appconfig.Config, src bidding.DealSource, s scorer, obs ...Observer) (*Engine, *fakeBackend) {
	backend := &fakeBackend{model: s}
	e, err := New(cfg, src, backend, obs...)
	require.NoError(t, err)
	return e, backend
}

func twoChunks() memSource {
	return memSource{
		0: {deal(0, 1, 2, 3), deal(1, 4, 5, 6)},
		1: {deal(2), deal(3), deal(4)},
	}
}

func TestEvaluateScenario(t *testing.T) {
	cfg := testConfig(t)
	rewardsB := make([]float64, bidding.NumBids)
	rewardsB[2] = 30
	rewardsB[4] = 7
	src := memSource{0: {deal(0, 10), deal(1, rewardsB...)}}

	// deal A (card 0) always passes; deal B opens at 2, then climbs one level a step
	s := scorer(func(row []float64) []float64 {
		if row[0] == 1 {
			return alwaysPass(row)
		}
		out := climb(row)
		out[0] = 0
		if row[bidding.HandSize+2] == 0 {
			out[2] = 50
		}
		return out
	})
	obs := new(countingObserver)
	e, backend := newEngine(t, cfg, src, s, obs)

	rep, err := e.Evaluate(context.Background(), src, 0)
	require.NoError(t, err)
	// A passes at step 0 for 10; B bids 2, 3, then 4 at the cutoff for 7
	assert.Equal(t, 17.0, rep.Total)
	assert.Equal(t, 17.0, rep.Score)
	assert.Equal(t, 2, rep.Deals)
	assert.Equal(t, 1, rep.Truncated)
	assert.Equal(t, "", rep.Checkpoint)
	assert.Equal(t, 1, backend.untrained)
	assert.Empty(t, backend.trained)
	assert.Equal(t, 1, obs.evals)
	assert.Equal(t, rep, obs.last)
}

func TestEvaluateNormalizes(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScoreNormalizer = 10000
	src := memSource{0: {deal(0, 500), deal(1, 1500)}}
	e, _ := newEngine(t, cfg, src, alwaysPass)
	rep, err := e.Evaluate(context.Background(), src, 0)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, rep.Total)
	assert.Equal(t, 0.2, rep.Score)
	assert.Equal(t, 0, rep.Truncated)
}

func TestEvaluateMissingChunk(t *testing.T) {
	cfg := testConfig(t)
	e, _ := newEngine(t, cfg, memSource{}, alwaysPass)
	_, err := e.Evaluate(context.Background(), memSource{}, 4)
	assert.ErrorIs(t, err, bidding.ErrDataUnavailable)
}

func TestRunTrainsEveryStep(t *testing.T) {
	cfg := testConfig(t)
	obs := new(countingObserver)
	e, backend := newEngine(t, cfg, twoChunks(), climb, obs)
	require.NoError(t, e.Run(context.Background()))

	require.Len(t, backend.trained, 6)
	assert.Equal(t, 2, obs.started)
	assert.Equal(t, 6, obs.steps)
	assert.Equal(t, 2, obs.episodes)
	// only the very first step has no checkpoint to predict with
	assert.Equal(t, 1, backend.untrained)
	assert.Len(t, backend.loaded, 5)

	root := cfg.CheckpointRoot()
	for i, call := range backend.trained {
		assert.Equal(t, len(call.x), len(call.y))
		pos := checkpoint.Position{Episode: i / 3, Step: i % 3}
		assert.Equal(t, filepath.Join(root, pos.String()), call.dir)

		rec, err := checkpoint.ReadRecord(call.dir)
		require.NoError(t, err)
		assert.Equal(t, pos, rec.Position())
		assert.Equal(t, e.RunID(), rec.RunID)
		assert.Equal(t, pos.Step == 2, rec.EpisodeDone)
		for _, bid := range rec.Bids {
			assert.Equal(t, pos.Step+1, bid)
		}

		x, y, err := chunk.ReadSnapshot(cfg.StepDataDir(pos.Episode, pos.Step))
		require.NoError(t, err)
		assert.Equal(t, call.x, x)
		assert.Equal(t, call.y, y)
	}

	// step 1 labels were shaped by the step 0 bid
	assert.Equal(t, []float64{0, 2, 3}, backend.trained[1].y[0][:3])
	assert.Equal(t, []float64{1, 2, 3}, backend.trained[0].y[0][:3])
	// episode 1 starts from the last step of episode 0
	assert.Equal(t, filepath.Join(root, "0-2"), filepath.Dir(backend.loaded[2]))
	assert.Equal(t, filepath.Join(root, "0-0"), filepath.Dir(backend.loaded[0]))
}

func TestEpisodeEndsWhenAllTerminated(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpisodes = 1
	obs := new(countingObserver)
	e, backend := newEngine(t, cfg, twoChunks(), alwaysPass, obs)
	require.NoError(t, e.Run(context.Background()))

	require.Len(t, backend.trained, 1)
	rec, err := checkpoint.ReadRecord(backend.trained[0].dir)
	require.NoError(t, err)
	assert.True(t, rec.EpisodeDone)
	assert.Equal(t, []int{0, 0}, rec.Bids)
}

func TestResumeColdStart(t *testing.T) {
	e, _ := newEngine(t, testConfig(t), twoChunks(), climb)
	episode, step, l := e.ResumePoint()
	assert.Equal(t, 0, episode)
	assert.Equal(t, 0, step)
	assert.Nil(t, l)
}

func TestResumeFromDirectoryNames(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"3-7", "3-2", "5-0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(cfg.CheckpointRoot(), name), 0755))
	}
	e, _ := newEngine(t, cfg, twoChunks(), climb)
	episode, step, l := e.ResumePoint()
	assert.Equal(t, 5, episode)
	assert.Equal(t, 0, step)
	assert.Nil(t, l)
}

func TestResumeAfterCompletedEpisode(t *testing.T) {
	cfg := testConfig(t)
	first, _ := newEngine(t, cfg, twoChunks(), climb)
	require.NoError(t, first.RunEpisode(context.Background(), 0))

	second, _ := newEngine(t, cfg, twoChunks(), climb)
	episode, step, l := second.ResumePoint()
	assert.Equal(t, 1, episode)
	assert.Equal(t, 0, step)
	assert.Nil(t, l)
}

func TestResumeMidEpisode(t *testing.T) {
	cfg := testConfig(t)
	first, _ := newEngine(t, cfg, twoChunks(), climb)
	l := new(bidding.Ledger)
	require.NoError(t, l.Load(twoChunks(), 0))
	for step := 0; step < 2; step++ {
		_, err := first.Step(0, step, l)
		require.NoError(t, err)
	}

	second, backend := newEngine(t, cfg, twoChunks(), climb)
	episode, step, replayed := second.ResumePoint()
	assert.Equal(t, 0, episode)
	assert.Equal(t, 2, step)
	require.NotNil(t, replayed)
	assert.Equal(t, l.LastBids(), replayed.LastBids())
	assert.Equal(t, l.Rewards(), replayed.Rewards())
	assert.Equal(t, l.Features(2), replayed.Features(2))

	second.cfg.MaxEpisodes = 1
	require.NoError(t, second.Run(context.Background()))
	require.Len(t, backend.trained, 1)
	assert.Equal(t, filepath.Join(cfg.CheckpointRoot(), "0-2"), backend.trained[0].dir)
}

func TestResumeAfterInterruptedStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpisodes = 1
	first, _ := newEngine(t, cfg, twoChunks(), climb)
	l := new(bidding.Ledger)
	require.NoError(t, l.Load(twoChunks(), 0))
	_, err := first.Step(0, 0, l)
	require.NoError(t, err)

	// training of step 1 died after creating its directory
	partial := filepath.Join(cfg.CheckpointRoot(), "0-1")
	require.NoError(t, os.MkdirAll(partial, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(partial, "01-0.5000.json"), []byte("{"), 0644))

	second, backend := newEngine(t, cfg, twoChunks(), climb)
	episode, step, replayed := second.ResumePoint()
	assert.Equal(t, 0, episode)
	assert.Equal(t, 1, step)
	require.NotNil(t, replayed)
	assert.Equal(t, []int{1, 1}, replayed.LastBids())

	require.NoError(t, second.Run(context.Background()))
	require.Len(t, backend.trained, 2)
	assert.Equal(t, partial, backend.trained[0].dir)
	assert.Equal(t, filepath.Join(cfg.CheckpointRoot(), "0-2"), backend.trained[1].dir)
	_, err = os.Stat(filepath.Join(partial, "01-0.5000.json"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, filepath.Join(cfg.CheckpointRoot(), "0-0"), filepath.Dir(backend.loaded[0]))
}

func TestResumeReplayMismatchRestartsEpisode(t *testing.T) {
	cfg := testConfig(t)
	first, _ := newEngine(t, cfg, twoChunks(), climb)
	l := new(bidding.Ledger)
	require.NoError(t, l.Load(twoChunks(), 0))
	_, err := first.Step(0, 0, l)
	require.NoError(t, err)

	changed := twoChunks()
	changed[0] = append(changed[0], deal(9))
	second, _ := newEngine(t, cfg, changed, climb)
	episode, step, replayed := second.ResumePoint()
	assert.Equal(t, 0, episode)
	assert.Equal(t, 0, step)
	assert.Nil(t, replayed)
}

func TestRunMissingChunk(t *testing.T) {
	e, _ := newEngine(t, testConfig(t), memSource{}, climb)
	err := e.Run(context.Background())
	assert.ErrorIs(t, err, bidding.ErrDataUnavailable)
}

func TestRunCancelled(t *testing.T) {
	e, backend := newEngine(t, testConfig(t), twoChunks(), climb)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
	assert.Empty(t, backend.trained)
}

func TestEvaluateUsesLatestCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpisodes = 1
	src := twoChunks()
	e, backend := newEngine(t, cfg, src, climb)
	require.NoError(t, e.Run(context.Background()))

	rep, err := e.Evaluate(context.Background(), src, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.CheckpointRoot(), "0-2"), filepath.Dir(rep.Checkpoint))
	assert.Equal(t, rep.Checkpoint, backend.loaded[len(backend.loaded)-1])
	assert.Equal(t, 3, rep.Truncated)
}

func TestEvaluateSkipsInterruptedStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpisodes = 1
	src := twoChunks()
	e, _ := newEngine(t, cfg, src, climb)
	require.NoError(t, e.Run(context.Background()))

	partial := filepath.Join(cfg.CheckpointRoot(), "1-0")
	require.NoError(t, os.MkdirAll(partial, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(partial, "01-0.0001.json"), []byte("{"), 0644))

	rep, err := e.Evaluate(context.Background(), src, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.CheckpointRoot(), "0-2"), filepath.Dir(rep.Checkpoint))
}
