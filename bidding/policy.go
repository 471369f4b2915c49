package bidding

import (
	"math/rand"

	"github.com/pkg/errors"
)

// ErrBadScores is returned when the policy is handed malformed input.
var ErrBadScores = errors.New("bad policy input")

// EpsilonGreedy picks the best legal bid, exploring with probability Epsilon.
type EpsilonGreedy struct {
	Epsilon float64

	rng *rand.Rand
}

func NewEpsilonGreedy(epsilon float64, rng *rand.Rand) (*EpsilonGreedy, error) {
	if epsilon < 0 || epsilon >= 1 {
		return nil, errors.Errorf("epsilon %v outside [0, 1)", epsilon)
	}
	return &EpsilonGreedy{Epsilon: epsilon, rng: rng}, nil
}

// Decide returns one bid per row of scores. Every returned bid is either Pass
// or strictly above the deal's previous bid.
func (p *EpsilonGreedy) Decide(scores [][]float64, lastBids []int) ([]int, error) {
	if len(scores) != len(lastBids) {
		return nil, errors.Wrapf(ErrBadScores, "%d score rows for %d deals", len(scores), len(lastBids))
	}
	for i, row := range scores {
		if len(row) != NumBids {
			return nil, errors.Wrapf(ErrBadScores, "row %d has %d scores", i, len(row))
		}
		if lastBids[i] < NoBid || lastBids[i] >= MaxBid {
			return nil, errors.Wrapf(ErrBadScores, "row %d last bid %d", i, lastBids[i])
		}
	}
	bids := make([]int, len(scores))
	for i, row := range scores {
		if p.rng.Float64() < p.Epsilon {
			bids[i] = p.explore(lastBids[i])
		} else {
			bids[i] = Exploit(row, lastBids[i])
		}
	}
	return bids, nil
}

// Exploit returns the best-scoring bid above lastBid, or Pass when passing
// scores at least as well.
func Exploit(scores []float64, lastBid int) int {
	offset := lastBid + 1
	best := offset
	for i := offset + 1; i < NumBids; i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[Pass] >= scores[best] {
		return Pass
	}
	return best
}

// explore draws uniformly from [lastBid, MaxBid]. Drawing lastBid itself
// cannot be recorded as a raise, so it stands for passing: unlike a plain
// re-selection of lastBid this ends the auction, which gives Pass an extra
// 1/(NumBids-lastBid) of every exploring draw.
func (p *EpsilonGreedy) explore(lastBid int) int {
	bid := lastBid + p.rng.Intn(NumBids-lastBid)
	if bid == lastBid {
		return Pass
	}
	return bid
}
