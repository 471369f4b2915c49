package engine

import (
	"context"

	"github.com/mtharp/bridgebid/bidding"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Evaluate replays a held-out chunk through the latest completed checkpoint
// without training. Deals that terminate score their reward at the terminating bid.
// Deals still bidding after MaxSteps-1 steps take one more decision and are
// scored as if the auction stopped there; this truncation is an
// approximation that training and evaluation share.
func (e *Engine) Evaluate(ctx context.Context, src bidding.DealSource, chunkIdx int) (EvalReport, error) {
	l := new(bidding.Ledger)
	if err := l.Load(src, chunkIdx); err != nil {
		return EvalReport{}, errors.Wrapf(err, "loading evaluation chunk %d", chunkIdx)
	}
	dir := ""
	if pos, _, ok := e.ckpt.LatestCompleted(); ok {
		dir = e.ckpt.Dir(pos)
	}
	model, path, err := e.restore(dir)
	if err != nil {
		return EvalReport{}, err
	}
	rep := EvalReport{
		RunID:      e.runID,
		Chunk:      chunkIdx,
		Checkpoint: path,
		Deals:      l.Loaded(),
	}

	last := e.cfg.MaxSteps - 1
	for step := 0; step < last && l.Len() > 0; step++ {
		if err := ctx.Err(); err != nil {
			return EvalReport{}, err
		}
		bids, err := e.decide(model, l, l.Features(step))
		if err != nil {
			return EvalReport{}, errors.Wrapf(err, "evaluation step %d", step)
		}
		if err := l.Record(bids); err != nil {
			return EvalReport{}, err
		}
		for i, done := range l.Terminated() {
			if done {
				rep.Total += l.Reward(i, bids[i])
			}
		}
		e.shaper.Apply(l)
	}
	if l.Len() > 0 {
		bids, err := e.decide(model, l, l.Features(last))
		if err != nil {
			return EvalReport{}, errors.Wrapf(err, "evaluation step %d", last)
		}
		for i, bid := range bids {
			rep.Total += l.Reward(i, bid)
		}
		rep.Truncated = len(bids)
	}
	rep.Score = rep.Total / e.cfg.ScoreNormalizer

	log.WithFields(log.Fields{
		"chunk":     chunkIdx,
		"deals":     rep.Deals,
		"truncated": rep.Truncated,
		"score":     rep.Score,
	}).Info("evaluation complete")
	e.obs.Evaluated(rep)
	return rep, nil
}
