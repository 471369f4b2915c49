package bidding

import (
	"github.com/pkg/errors"
)

var (
	// ErrDataUnavailable is returned when a deal chunk or snapshot is missing.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrBidCount is returned when the number of bids does not match the active deals.
	ErrBidCount = errors.New("bid count does not match active deals")
)

// DealSource loads the deals of one chunk.
type DealSource interface {
	Deals(chunk int) ([]Deal, error)
}

type auction struct {
	deal    *Deal
	rewards [NumBids]float64
	history [NumBids]float64
	lastBid int
	active  bool
}

// Ledger tracks the auctions of one episode. Auctions live in an arena that
// is sized once at load; pruning only shrinks the list of live indices so the
// relative order of surviving deals never changes.
type Ledger struct {
	deals []Deal
	arena []auction
	live  []int
}

// NewLedger returns a ledger over an in-memory batch of deals.
func NewLedger(deals []Deal) *Ledger {
	l := new(Ledger)
	l.reset(deals)
	return l
}

// Load replaces all state with the deals of a chunk.
func (l *Ledger) Load(src DealSource, chunk int) error {
	deals, err := src.Deals(chunk)
	if err != nil {
		return err
	}
	l.reset(deals)
	return nil
}

func (l *Ledger) reset(deals []Deal) {
	l.deals = deals
	l.arena = make([]auction, len(deals))
	l.live = make([]int, len(deals))
	for i := range deals {
		l.arena[i] = auction{
			deal:    &l.deals[i],
			rewards: deals[i].Rewards,
			lastBid: NoBid,
			active:  true,
		}
		l.live[i] = i
	}
}

// Len is the number of active deals.
func (l *Ledger) Len() int {
	return len(l.live)
}

// Loaded is the number of deals in the batch, active or not.
func (l *Ledger) Loaded() int {
	return len(l.arena)
}

// Finished is the number of deals whose auction has ended.
func (l *Ledger) Finished() int {
	n := 0
	for i := range l.arena {
		if !l.arena[i].active {
			n++
		}
	}
	return n
}

// Features returns, per active deal, the hand of the seat to act followed by
// the cumulative bid history.
func (l *Ledger) Features(step int) [][]float64 {
	seat := SeatForStep(step)
	x := make([][]float64, len(l.live))
	for i, idx := range l.live {
		a := &l.arena[idx]
		row := make([]float64, 0, FeatureSize)
		row = append(row, a.deal.Hands[seat][:]...)
		x[i] = append(row, a.history[:]...)
	}
	return x
}

// Rewards returns a copy of the shaped reward table of every active deal.
func (l *Ledger) Rewards() [][]float64 {
	y := make([][]float64, len(l.live))
	for i, idx := range l.live {
		row := make([]float64, NumBids)
		copy(row, l.arena[idx].rewards[:])
		y[i] = row
	}
	return y
}

// LastBids returns the most recent bid of every active deal.
func (l *Ledger) LastBids() []int {
	bids := make([]int, len(l.live))
	for i, idx := range l.live {
		bids[i] = l.arena[idx].lastBid
	}
	return bids
}

// History returns a copy of the bid history of the i-th active deal.
func (l *Ledger) History(i int) []float64 {
	h := make([]float64, NumBids)
	copy(h, l.arena[l.live[i]].history[:])
	return h
}

// Reward looks up the shaped reward of bid for the i-th active deal.
func (l *Ledger) Reward(i, bid int) float64 {
	return l.arena[l.live[i]].rewards[bid]
}

// Record stores one chosen bid per active deal.
func (l *Ledger) Record(bids []int) error {
	if len(bids) != len(l.live) {
		return errors.Wrapf(ErrBidCount, "got %d bids for %d deals", len(bids), len(l.live))
	}
	for i, bid := range bids {
		if bid < Pass || bid > MaxBid {
			return errors.Errorf("bid %d out of range", bid)
		}
		a := &l.arena[l.live[i]]
		a.history[bid] = 1
		a.lastBid = bid
	}
	return nil
}

// Terminated reports, per active deal, whether its auction has ended.
func (l *Ledger) Terminated() []bool {
	done := make([]bool, len(l.live))
	for i, idx := range l.live {
		done[i] = Terminal(l.arena[idx].lastBid)
	}
	return done
}

// Prune drops every terminated deal and returns how many were removed.
func (l *Ledger) Prune() int {
	kept := l.live[:0]
	for _, idx := range l.live {
		a := &l.arena[idx]
		if Terminal(a.lastBid) {
			a.active = false
			continue
		}
		kept = append(kept, idx)
	}
	removed := len(l.live) - len(kept)
	l.live = kept
	return removed
}

// shape applies fn to the reward table of each active deal with its last bid.
func (l *Ledger) shape(fn func(rewards []float64, lastBid int)) {
	for _, idx := range l.live {
		a := &l.arena[idx]
		fn(a.rewards[:], a.lastBid)
	}
}
