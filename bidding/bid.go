package bidding

import "fmt"

// vectors
const (
	HandSize = 52
	NumBids  = 36
	NumSeats = 2

	// FeatureSize is one seat's hand followed by the bid history.
	FeatureSize = HandSize + NumBids
	// RowSize is the width of one deal row in a chunk file.
	RowSize = NumSeats*HandSize + NumBids
)

// bid indices
const (
	NoBid  = -1
	Pass   = 0
	MaxBid = NumBids - 1

	numStrains = 5
	maxLevel   = 7
)

// Seat is one of the two bidders.
type Seat int

const (
	SeatA Seat = iota
	SeatB
)

// SeatForStep returns whose turn it is: even steps belong to seat A.
func SeatForStep(step int) Seat {
	if step%2 == 0 {
		return SeatA
	}
	return SeatB
}

func (s Seat) String() string {
	if s == SeatA {
		return "A"
	}
	return "B"
}

// BidIndex maps a contract level (1-7) and strain (0-4) to its action index.
func BidIndex(level, strain int) (int, error) {
	if level < 1 || level > maxLevel || strain < 0 || strain >= numStrains {
		return 0, fmt.Errorf("no contract at level %d strain %d", level, strain)
	}
	return (level-1)*numStrains + strain + 1, nil
}

// Contract is the inverse of BidIndex. Pass has no contract.
func Contract(bid int) (level, strain int, ok bool) {
	if bid <= Pass || bid > MaxBid {
		return 0, 0, false
	}
	return (bid-1)/numStrains + 1, (bid - 1) % numStrains, true
}

// Terminal reports whether a bid ends the auction.
func Terminal(bid int) bool {
	return bid == Pass || bid == MaxBid
}

// Deal is one hand pair with its double-dummy reward table.
type Deal struct {
	Hands   [NumSeats][HandSize]float64
	Rewards [NumBids]float64
}

// DealFromRow splits a chunk row: seat A hand, seat B hand, reward table.
func DealFromRow(row []float64) (Deal, error) {
	var d Deal
	if len(row) != RowSize {
		return d, fmt.Errorf("deal row has %d columns, want %d", len(row), RowSize)
	}
	copy(d.Hands[SeatA][:], row[:HandSize])
	copy(d.Hands[SeatB][:], row[HandSize:2*HandSize])
	copy(d.Rewards[:], row[2*HandSize:])
	return d, nil
}

// Row is the inverse of DealFromRow.
func (d *Deal) Row() []float64 {
	row := make([]float64, 0, RowSize)
	row = append(row, d.Hands[SeatA][:]...)
	row = append(row, d.Hands[SeatB][:]...)
	return append(row, d.Rewards[:]...)
}

// CardIndex is the hand vector slot of a card.
func CardIndex(suit, rank int) int {
	return suit*13 + rank
}
