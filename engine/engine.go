// Package engine drives self-play bidding episodes: every step predicts bid
// values for the active deals, picks bids, shapes the reward tables and then
// retrains the model on the step's snapshot.
package engine

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mtharp/bridgebid/appconfig"
	"github.com/mtharp/bridgebid/bidding"
	"github.com/mtharp/bridgebid/checkpoint"
	"github.com/mtharp/bridgebid/chunk"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Model scores all bids for each feature row.
type Model interface {
	Predict(x [][]float64) ([][]float64, error)
}

// Backend builds, restores and trains models.
type Backend interface {
	// Untrained returns a freshly initialised model for cold starts.
	Untrained() Model
	// Load restores a model from an artifact file.
	Load(path string) (Model, error)
	// Train fits a model on x, y and writes its loss-tagged artifacts to dir.
	// The lowest-loss artifact is returned.
	Train(x, y [][]float64, dir string) (checkpoint.Artifact, error)
}

type Engine struct {
	cfg     *appconfig.Config
	runID   string
	deals   bidding.DealSource
	backend Backend
	ckpt    checkpoint.Resolver
	policy  *bidding.EpsilonGreedy
	shaper  bidding.Shaper
	obs     Observers
}

func New(cfg *appconfig.Config, deals bidding.DealSource, backend Backend, obs ...Observer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	policy, err := bidding.NewEpsilonGreedy(cfg.Epsilon, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		runID:   uuid.New().String(),
		deals:   deals,
		backend: backend,
		ckpt:    checkpoint.Resolver{Root: cfg.CheckpointRoot()},
		policy:  policy,
		shaper:  bidding.Shaper{Penalty: cfg.MonotonicPenalty},
		obs:     Observers(obs),
	}, nil
}

func (e *Engine) RunID() string {
	return e.runID
}

// ResumePoint works out where training should continue: the step after the
// newest one with an index record. Directories of interrupted steps are
// ignored. When that step is mid-episode the ledger is rebuilt by replaying
// the recorded bids; if that is not possible the episode restarts from step 0.
func (e *Engine) ResumePoint() (episode, step int, l *bidding.Ledger) {
	newest, ok := e.ckpt.Resume()
	if !ok {
		log.WithField("root", e.ckpt.Root).Info("no checkpoints found, starting at episode 0")
		return 0, 0, nil
	}
	pos, rec, ok := e.ckpt.LatestCompleted()
	if !ok {
		log.WithField("step", newest.String()).Warn("no step has an index record, restarting its episode")
		return newest.Episode, 0, nil
	}
	logger := log.WithFields(log.Fields{"episode": pos.Episode, "step": pos.Step})
	if pos != newest {
		logger.WithField("interrupted", newest.String()).Warn("ignoring incomplete step")
	}
	if rec.EpisodeDone {
		logger.Info("resuming after completed episode")
		return pos.Episode + 1, 0, nil
	}
	l, err := e.replay(pos)
	if err != nil {
		logger.WithError(err).Warn("cannot replay episode, restarting it")
		return pos.Episode, 0, nil
	}
	logger.WithField("active", l.Len()).Info("resuming mid-episode")
	return pos.Episode, pos.Step + 1, l
}

func (e *Engine) replay(pos checkpoint.Position) (*bidding.Ledger, error) {
	l := new(bidding.Ledger)
	if err := l.Load(e.deals, e.cfg.Chunk(pos.Episode)); err != nil {
		return nil, err
	}
	for s := 0; s <= pos.Step; s++ {
		rec, err := checkpoint.ReadRecord(e.ckpt.Dir(checkpoint.Position{Episode: pos.Episode, Step: s}))
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", s)
		}
		if err := l.Record(rec.Bids); err != nil {
			return nil, errors.Wrapf(err, "step %d", s)
		}
		e.shaper.Apply(l)
	}
	return l, nil
}

// Run trains from the resume point until MaxEpisodes episodes exist.
func (e *Engine) Run(ctx context.Context) error {
	episode, step, l := e.ResumePoint()
	for ; episode < e.cfg.MaxEpisodes; episode++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l == nil {
			l = new(bidding.Ledger)
			if err := l.Load(e.deals, e.cfg.Chunk(episode)); err != nil {
				return errors.Wrapf(err, "loading episode %d", episode)
			}
			step = 0
		}
		if err := e.runEpisode(ctx, episode, step, l); err != nil {
			return err
		}
		l = nil
	}
	return nil
}

// RunEpisode loads the episode's chunk and trains it from step 0.
func (e *Engine) RunEpisode(ctx context.Context, episode int) error {
	l := new(bidding.Ledger)
	if err := l.Load(e.deals, e.cfg.Chunk(episode)); err != nil {
		return errors.Wrapf(err, "loading episode %d", episode)
	}
	return e.runEpisode(ctx, episode, 0, l)
}

func (e *Engine) runEpisode(ctx context.Context, episode, first int, l *bidding.Ledger) error {
	start := time.Now()
	rep := EpisodeReport{
		RunID:    e.runID,
		Episode:  episode,
		Chunk:    e.cfg.Chunk(episode),
		Deals:    l.Loaded(),
		Steps:    first,
		MaxSteps: e.cfg.MaxSteps,
	}
	log.WithFields(log.Fields{"episode": episode, "chunk": rep.Chunk, "step": first}).Info("starting episode")
	e.obs.EpisodeStarted(rep)

	step := first
	for ; step < e.cfg.MaxSteps && l.Len() > 0; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.Step(episode, step, l); err != nil {
			return errors.Wrapf(err, "episode %d step %d", episode, step)
		}
	}
	rep.Steps = step
	rep.Finished = l.Finished()
	rep.Elapsed = time.Since(start)
	log.WithFields(log.Fields{"episode": episode, "steps": step, "finished": rep.Finished, "elapsed": rep.Elapsed}).Info("episode complete")
	e.obs.EpisodeDone(rep)
	return nil
}

// Step runs one predict, act, shape and train cycle on l.
func (e *Engine) Step(episode, step int, l *bidding.Ledger) (StepReport, error) {
	start := time.Now()
	pos := checkpoint.Position{Episode: episode, Step: step}
	logger := log.WithFields(log.Fields{"episode": episode, "step": step})

	// snapshot before acting: labels carry the shaping of earlier steps
	x := l.Features(step)
	y := l.Rewards()

	model, _, err := e.restore(e.previous(pos))
	if err != nil {
		return StepReport{}, err
	}
	bids, err := e.decide(model, l, x)
	if err != nil {
		return StepReport{}, err
	}
	if err := l.Record(bids); err != nil {
		return StepReport{}, err
	}
	terminated := e.shaper.Apply(l)

	if err := chunk.WriteSnapshot(e.cfg.StepDataDir(episode, step), x, y); err != nil {
		return StepReport{}, errors.Wrap(err, "saving training snapshot")
	}
	dir := e.ckpt.Dir(pos)
	// leftovers of an interrupted attempt at this step
	if err := os.RemoveAll(dir); err != nil {
		return StepReport{}, errors.Wrap(err, "clearing checkpoint directory")
	}
	art, err := e.backend.Train(x, y, dir)
	if err != nil {
		return StepReport{}, errors.Wrap(err, "training")
	}
	rec := &checkpoint.Record{
		RunID:       e.runID,
		Episode:     episode,
		Step:        step,
		Chunk:       e.cfg.Chunk(episode),
		Artifact:    filepath.Base(art.Path),
		ValLoss:     art.ValLoss,
		Rows:        len(x),
		Bids:        bids,
		EpisodeDone: l.Len() == 0 || step == e.cfg.MaxSteps-1,
	}
	if err := checkpoint.WriteRecord(dir, rec); err != nil {
		return StepReport{}, err
	}

	rep := StepReport{
		RunID:      e.runID,
		Episode:    episode,
		Step:       step,
		Chunk:      rec.Chunk,
		Rows:       len(x),
		Active:     l.Len(),
		Terminated: terminated,
		Artifact:   art.Path,
		ValLoss:    art.ValLoss,
		Elapsed:    time.Since(start),
	}
	logger.WithFields(log.Fields{
		"active":     rep.Active,
		"terminated": rep.Terminated,
		"val_loss":   rep.ValLoss,
	}).Info("step complete")
	e.obs.StepDone(rep)
	return rep, nil
}

func (e *Engine) decide(model Model, l *bidding.Ledger, x [][]float64) ([]int, error) {
	scores, err := model.Predict(x)
	if err != nil {
		return nil, errors.Wrap(err, "predicting")
	}
	return e.policy.Decide(scores, l.LastBids())
}

// previous is the checkpoint directory a step predicts with: the step before
// it, or the last step of the previous episode. Empty means none.
func (e *Engine) previous(pos checkpoint.Position) string {
	if pos.Step > 0 {
		return e.ckpt.Dir(checkpoint.Position{Episode: pos.Episode, Step: pos.Step - 1})
	}
	if pos.Episode == 0 {
		return ""
	}
	if last, ok := e.ckpt.LatestStep(pos.Episode - 1); ok {
		return e.ckpt.Dir(last)
	}
	return e.ckpt.Dir(checkpoint.Position{Episode: pos.Episode - 1, Step: e.cfg.MaxSteps - 1})
}

// restore loads the best model of dir, falling back to an untrained model
// when there is nothing to load.
func (e *Engine) restore(dir string) (Model, string, error) {
	if dir == "" {
		log.Info("starting afresh")
		return e.backend.Untrained(), "", nil
	}
	art, err := e.ckpt.BestArtifact(dir)
	if errors.Cause(err) == checkpoint.ErrNoCheckpoint {
		log.WithField("dir", dir).Info("starting afresh")
		return e.backend.Untrained(), "", nil
	} else if err != nil {
		return nil, "", errors.Wrapf(err, "listing checkpoints in %s", dir)
	}
	model, err := e.backend.Load(art.Path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "loading checkpoint %s", art.Path)
	}
	log.WithFields(log.Fields{"path": art.Path, "val_loss": art.ValLoss}).Debug("loaded checkpoint")
	return model, art.Path, nil
}
