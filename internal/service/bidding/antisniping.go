package bidding

import (
	"time"

	"github.com/davidleathers/auction-bidding-engine/internal/domain/auction"
)

// DefaultAntiSnipingWindow is both the trigger window before close and the
// length of each extension.
const DefaultAntiSnipingWindow = 5 * time.Minute

// AntiSnipingExtender pushes the end time out when a bid lands close to it.
// Extensions are unbounded.
type AntiSnipingExtender struct {
	window time.Duration
}

func NewAntiSnipingExtender(window time.Duration) *AntiSnipingExtender {
	if window <= 0 {
		window = DefaultAntiSnipingWindow
	}
	return &AntiSnipingExtender{window: window}
}

func (x *AntiSnipingExtender) Window() time.Duration {
	return x.window
}

// MaybeExtend returns the end time that applies after a bid accepted at now,
// and whether it moved. It is a pure function of the snapshot, so a retried
// evaluation extends at most once per committed bid.
func (x *AntiSnipingExtender) MaybeExtend(a *auction.Auction, now time.Time) (time.Time, bool) {
	if !a.AntiSnipingEnabled || now.After(a.EndTime) {
		return a.EndTime, false
	}
	if !now.After(a.EndTime.Add(-x.window)) {
		return a.EndTime, false
	}
	return a.EndTime.Add(x.window), true
}
