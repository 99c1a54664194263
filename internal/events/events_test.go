package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/model"
)

type collectSink struct {
	mu   sync.Mutex
	got  []events.Envelope
	fail error
	boom bool
}

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Deliver(_ context.Context, env events.Envelope) error {
	if c.boom {
		panic("sink exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return c.fail
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestBroadcaster_FansOutToAllSinks(t *testing.T) {
	a, b := &collectSink{}, &collectSink{}
	bc, err := events.NewBroadcaster(nil, 4, a, b)
	require.NoError(t, err)
	defer bc.Close(time.Second)

	bc.Publish(context.Background(), model.EventBalanceUpdated, model.BalanceEvent{UserID: "u1", Balance: decimal.NewFromInt(100)})

	assert.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, model.EventBalanceUpdated, a.got[0].Type)
	assert.Equal(t, "u1", a.got[0].Key)
}

func TestBroadcaster_SwallowsSinkErrorsAndPanics(t *testing.T) {
	failing := &collectSink{fail: errors.New("broker down")}
	panicking := &collectSink{boom: true}
	healthy := &collectSink{}
	bc, err := events.NewBroadcaster(nil, 4, failing, panicking, healthy)
	require.NoError(t, err)
	defer bc.Close(time.Second)

	assert.NotPanics(t, func() {
		bc.Publish(context.Background(), model.EventTradeSettled, model.SettlementEvent{TradeID: "t1", UserID: "u1", Result: model.ResultWin})
	})
	assert.Eventually(t, func() bool { return healthy.count() == 1 && failing.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_DeliversAfterCallerContextCancelled(t *testing.T) {
	sink := &collectSink{}
	bc, err := events.NewBroadcaster(nil, 2, sink)
	require.NoError(t, err)
	defer bc.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bc.Publish(ctx, model.EventTradePlaced, model.TradeEvent{ID: "t1", UserID: "u1"})

	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

// jitterSink delays each delivery a little so concurrent deliveries would
// overtake each other.
type jitterSink struct {
	collectSink
	calls atomic.Int64
}

func (j *jitterSink) Deliver(ctx context.Context, env events.Envelope) error {
	time.Sleep(time.Duration(j.calls.Add(1)%3) * time.Millisecond)
	return j.collectSink.Deliver(ctx, env)
}

func TestBroadcaster_KeepsPerUserOrder(t *testing.T) {
	sink := &jitterSink{}
	bc, err := events.NewBroadcaster(nil, 16, sink)
	require.NoError(t, err)

	const n = 40
	for i := 0; i < n; i++ {
		for _, user := range []string{"u1", "u2"} {
			bc.Publish(context.Background(), model.EventBalanceUpdated, model.BalanceEvent{UserID: user, Balance: decimal.NewFromInt(int64(i))})
		}
	}
	require.Eventually(t, func() bool { return sink.count() == 2*n }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, bc.Close(time.Second))

	next := map[string]int64{}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, env := range sink.got {
		ev := env.Data.(model.BalanceEvent)
		assert.Equal(t, next[ev.UserID], ev.Balance.IntPart(), "user %s out of order", ev.UserID)
		next[ev.UserID] = ev.Balance.IntPart() + 1
	}
}

func TestRecorder(t *testing.T) {
	var r events.Recorder
	r.Publish(context.Background(), model.EventTradePlaced, model.TradeEvent{ID: "t1", UserID: "u1"})
	r.Publish(context.Background(), model.EventBalanceUpdated, model.BalanceEvent{UserID: "u1"})

	require.Len(t, r.Events(), 2)
	placed := r.OfType(model.EventTradePlaced)
	require.Len(t, placed, 1)
	assert.Equal(t, "u1", placed[0].Key)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestKafkaSink_KeysByUser(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msgs[0].Value, &env); err != nil {
			return false
		}
		return string(msgs[0].Key) == "u1" && env.Type == model.EventTradeSettled &&
			strings.Contains(string(env.Data), `"tradeId":"t1"`)
	})).Return(nil).Once()

	sink := events.NewKafkaSinkWithWriter(w, "updown.events")
	err := sink.Deliver(context.Background(), events.Envelope{
		Type: model.EventTradeSettled,
		Data: model.SettlementEvent{TradeID: "t1", UserID: "u1", Result: model.ResultLoss},
		Key:  "u1",
		At:   time.Now(),
	})
	require.NoError(t, err)
	w.AssertExpectations(t)
}

func TestKafkaSink_WrapsWriterError(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available"))

	sink := events.NewKafkaSinkWithWriter(w, "updown.events")
	err := sink.Deliver(context.Background(), events.Envelope{Type: model.EventTradePlaced, Data: map[string]string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updown.events")
}

func TestWSHub_BroadcastsEnvelope(t *testing.T) {
	hub := events.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Deliver(context.Background(), events.Envelope{
		Type: model.EventBalanceUpdated,
		Data: model.BalanceEvent{UserID: "u1", Balance: decimal.NewFromInt(280)},
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type string `json:"type"`
		Data struct {
			UserID  string `json:"userId"`
			Balance string `json:"balance"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, model.EventBalanceUpdated, got.Type)
	assert.Equal(t, "u1", got.Data.UserID)
	assert.Equal(t, "280", got.Data.Balance)
}
