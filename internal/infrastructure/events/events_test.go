package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainErrors "github.com/davidleathers/auction-bidding-engine/internal/domain/errors"
	"github.com/davidleathers/auction-bidding-engine/internal/domain/values"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

var occurredAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func bidPlaced(t *testing.T, auctionID uuid.UUID) bidding.BidPlaced {
	t.Helper()
	amount := values.MustParse("51", "KWD")
	bidID := uuid.New()
	outbid := uuid.New()
	return bidding.BidPlaced{
		AuctionID:      auctionID,
		BidderID:       uuid.New(),
		BidID:          &bidID,
		Amount:         amount,
		OutbidBidderID: &outbid,
		EndTime:        occurredAt.Add(time.Hour),
		OccurredAt:     occurredAt,
	}
}

type recordingSink struct {
	mu       sync.Mutex
	name     string
	failures int
	calls    atomic.Int32
	got      []*Envelope
	block    chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, env *Envelope) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n := s.calls.Add(1)
	if s.failures < 0 || int(n) <= s.failures {
		return errors.New("sink unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, env)
	return nil
}

func (s *recordingSink) envelopes() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Envelope(nil), s.got...)
}

func TestEnvelope(t *testing.T) {
	auctionID := uuid.New()
	evt := bidPlaced(t, auctionID)

	env, err := NewBidPlacedEnvelope(evt)
	require.NoError(t, err)
	assert.Equal(t, TypeBidPlaced, env.EventType)
	assert.Equal(t, SchemaVersion, env.Version)
	assert.Equal(t, auctionID, env.AuctionID)
	assert.Equal(t, occurredAt, env.OccurredAt)
	assert.Contains(t, string(env.Data), `"amount":{"amount":"51.000","currency":"KWD"}`)

	raw, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)

	var data BidPlacedData
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, evt.BidderID, data.BidderID)
	assert.Equal(t, "51.000", data.Amount.Decimal())
	assert.Equal(t, *evt.OutbidBidderID, *data.OutbidBidderID)

	t.Run("auction ended", func(t *testing.T) {
		env, err := NewAuctionEndedEnvelope(bidding.AuctionEnded{
			AuctionID:  auctionID,
			FinalPrice: evt.Amount,
			Cause:      "expired",
		})
		require.NoError(t, err)
		assert.Equal(t, TypeAuctionEnded, env.EventType)
		assert.False(t, env.OccurredAt.IsZero())
		assert.NotContains(t, string(env.Data), "winner_id")
	})

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"malformed", `{`, "INVALID_EVENT_ENVELOPE"},
		{"unknown type", `{"event_type":"bid.retracted","version":"1"}`, "UNSUPPORTED_EVENT_TYPE"},
		{"unknown version", `{"event_type":"bid.placed","version":"2"}`, "UNSUPPORTED_EVENT_VERSION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.raw))
			var appErr *domainErrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestAsyncDispatcher(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("delivers to every sink", func(t *testing.T) {
		a := &recordingSink{name: "a"}
		b := &recordingSink{name: "b"}
		d := NewAsyncDispatcher(DispatcherConfig{BufferSize: 8, Workers: 1}, logger, a, b)

		d.PublishBidPlaced(ctx, bidPlaced(t, uuid.New()))
		d.PublishAuctionEnded(ctx, bidding.AuctionEnded{AuctionID: uuid.New(), Cause: "buy_now"})
		require.NoError(t, d.Close(ctx))

		assert.Len(t, a.envelopes(), 2)
		assert.Len(t, b.envelopes(), 2)
		assert.Equal(t, DispatcherStats{Published: 2, Delivered: 4}, d.Stats())
	})

	t.Run("retries a failing sink", func(t *testing.T) {
		sink := &recordingSink{name: "flaky", failures: 2}
		d := NewAsyncDispatcher(DispatcherConfig{Workers: 1, SinkRetries: 3, RetryBaseDelay: time.Millisecond}, logger, sink)

		d.PublishBidPlaced(ctx, bidPlaced(t, uuid.New()))
		require.NoError(t, d.Close(ctx))

		assert.Equal(t, int32(3), sink.calls.Load())
		assert.Len(t, sink.envelopes(), 1)
		assert.Equal(t, uint64(0), d.Stats().Failed)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		sink := &recordingSink{name: "down", failures: -1}
		d := NewAsyncDispatcher(DispatcherConfig{Workers: 1, SinkRetries: 2, RetryBaseDelay: time.Millisecond}, logger, sink)

		d.PublishBidPlaced(ctx, bidPlaced(t, uuid.New()))
		require.NoError(t, d.Close(ctx))

		assert.Equal(t, int32(3), sink.calls.Load())
		assert.Equal(t, uint64(1), d.Stats().Failed)
	})

	t.Run("drops when the buffer is full", func(t *testing.T) {
		sink := &recordingSink{name: "slow", block: make(chan struct{})}
		d := NewAsyncDispatcher(DispatcherConfig{BufferSize: 1, Workers: 1}, logger, sink)

		for i := 0; i < 5; i++ {
			d.PublishBidPlaced(ctx, bidPlaced(t, uuid.New()))
		}
		stats := d.Stats()
		assert.Equal(t, uint64(5), stats.Published+stats.Dropped)
		assert.GreaterOrEqual(t, stats.Dropped, uint64(3))

		close(sink.block)
		require.NoError(t, d.Close(ctx))
		assert.Len(t, sink.envelopes(), int(stats.Published))
	})

	t.Run("publishing after close is dropped", func(t *testing.T) {
		d := NewAsyncDispatcher(DispatcherConfig{}, logger)
		require.NoError(t, d.Close(ctx))
		require.NoError(t, d.Close(ctx))

		d.PublishBidPlaced(ctx, bidPlaced(t, uuid.New()))
		assert.Equal(t, uint64(1), d.Stats().Dropped)
	})

	t.Run("close gives up on a stuck sink when ctx expires", func(t *testing.T) {
		sink := &recordingSink{name: "stuck", block: make(chan struct{})}
		d := NewAsyncDispatcher(DispatcherConfig{Workers: 1}, logger, sink)
		d.PublishBidPlaced(ctx, bidPlaced(t, uuid.New()))

		closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, d.Close(closeCtx), context.DeadlineExceeded)
	})
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sink := NewRedisStreamSink(client, "auction-events", 100)
	assert.Equal(t, "redis-stream:auction-events", sink.Name())

	env, err := NewBidPlacedEnvelope(bidPlaced(t, uuid.New()))
	require.NoError(t, err)
	require.NoError(t, sink.Deliver(ctx, env))

	msgs, err := client.XRange(ctx, "auction-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, env.EventID.String(), msgs[0].Values["event_id"])
	assert.Equal(t, "bid.placed", msgs[0].Values["event_type"])

	decoded, err := DecodeEnvelope([]byte(msgs[0].Values["payload"].(string)))
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)

	mr.SetError("stream unavailable")
	defer mr.SetError("")
	assert.ErrorContains(t, sink.Deliver(ctx, env), "failed to append to stream auction-events")
}

func TestLiveHub(t *testing.T) {
	hub := NewLiveHub(LiveConfig{}, zaptest.NewLogger(t))
	watched := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.URL.Query().Get("auction"))
		if err != nil {
			http.Error(w, "bad auction", http.StatusBadRequest)
			return
		}
		_ = hub.Serve(w, r, id)
	}))
	t.Cleanup(srv.Close)

	dial := func(auctionID uuid.UUID) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?auction=" + auctionID.String()
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	conn := dial(watched)
	dial(uuid.New())
	require.Eventually(t, func() bool { return hub.SubscriberCount(watched) == 1 }, time.Second, 5*time.Millisecond)

	other, err := NewBidPlacedEnvelope(bidPlaced(t, uuid.New()))
	require.NoError(t, err)
	require.NoError(t, hub.Deliver(context.Background(), other))

	env, err := NewBidPlacedEnvelope(bidPlaced(t, watched))
	require.NoError(t, err)
	require.NoError(t, hub.Deliver(context.Background(), env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := DecodeEnvelope(msg)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID, "only the watched auction's events arrive")

	t.Run("client disconnect unsubscribes", func(t *testing.T) {
		leaving := dial(watched)
		require.Eventually(t, func() bool { return hub.SubscriberCount(watched) == 2 }, time.Second, 5*time.Millisecond)
		require.NoError(t, leaving.Close())
		assert.Eventually(t, func() bool { return hub.SubscriberCount(watched) == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("close disconnects subscribers", func(t *testing.T) {
		hub.Close()
		assert.Equal(t, 0, hub.SubscriberCount(watched))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	})
}
