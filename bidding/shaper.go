package bidding

// Shaper rewrites reward tables so that bids below the current level no
// longer look attractive as training targets.
type Shaper struct {
	Penalty float64
}

// MaskIllegal sets rewards[0:lastBid] to penalty. It is idempotent.
func MaskIllegal(rewards []float64, lastBid int, penalty float64) {
	for i := 0; i < lastBid && i < len(rewards); i++ {
		rewards[i] = penalty
	}
}

// Apply masks every active deal and then prunes terminated ones. It must run
// after Ledger.Record. Returns the number of deals pruned.
func (s Shaper) Apply(l *Ledger) int {
	l.shape(func(rewards []float64, lastBid int) {
		MaskIllegal(rewards, lastBid, s.Penalty)
	})
	return l.Prune()
}
