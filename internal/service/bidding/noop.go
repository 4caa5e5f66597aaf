package bidding

import (
	"context"
	"time"
)

type noopPublisher struct{}

func (noopPublisher) PublishBidPlaced(context.Context, BidPlaced)       {}
func (noopPublisher) PublishAuctionEnded(context.Context, AuctionEnded) {}

type noopMetrics struct{}

func (noopMetrics) RecordBidAccepted(context.Context, string, float64)    {}
func (noopMetrics) RecordBidRejected(context.Context, string)             {}
func (noopMetrics) RecordCommitRetry(context.Context)                     {}
func (noopMetrics) RecordExtension(context.Context)                       {}
func (noopMetrics) RecordAuctionEnded(context.Context, string)            {}
func (noopMetrics) RecordPlaceBidLatency(context.Context, time.Duration) {}
