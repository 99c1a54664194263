package oracle_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/oracle"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	src := oracle.NewStatic(decimal.Zero)

	_, err := src.CurrentPrice(ctx, "")
	require.ErrorIs(t, err, oracle.ErrOracleUnavailable)

	src.Set(decimal.RequireFromString("2012.5"))
	p, err := src.CurrentPrice(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "2012.5", p.String())

	src.Fail(errors.New("rpc timeout"))
	_, err = src.CurrentPrice(ctx, "1")
	require.ErrorIs(t, err, oracle.ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "rpc timeout")

	src.Fail(nil)
	_, err = src.CurrentPrice(ctx, "1")
	require.NoError(t, err)
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	primary := oracle.NewStatic(decimal.NewFromInt(100))
	backup := oracle.NewStatic(decimal.NewFromInt(99))
	f := oracle.NewFallback(nil, primary, backup)

	p, err := f.CurrentPrice(ctx, "")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(100)))

	primary.Fail(errors.New("down"))
	p, err = f.CurrentPrice(ctx, "")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(99)))

	backup.Fail(errors.New("also down"))
	_, err = f.CurrentPrice(ctx, "")
	require.ErrorIs(t, err, oracle.ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "also down")

	_, err = oracle.NewFallback(nil).CurrentPrice(ctx, "")
	require.ErrorIs(t, err, oracle.ErrOracleUnavailable)
}

// tickerServer pushes each message once to every connecting client and then
// holds the connection open until the test ends.
func tickerServer(t *testing.T, messages ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		<-done
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_TracksLatestTick(t *testing.T) {
	url := tickerServer(t,
		`{"e":"24hrTicker","c":"2001.10"}`,
		`not json`,
		`{"e":"24hrTicker"}`,
		`{"c":"-4"}`,
		`{"c":2003.25}`,
	)
	s := oracle.NewStream(nil, url, "1", "", time.Minute)

	_, err := s.CurrentPrice(context.Background(), "1")
	require.ErrorIs(t, err, oracle.ErrOracleUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		p, err := s.CurrentPrice(context.Background(), "1")
		return err == nil && p.Equal(decimal.RequireFromString("2003.25"))
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.CurrentPrice(context.Background(), "56")
	assert.ErrorIs(t, err, oracle.ErrOracleUnavailable)
}

func TestStream_GoesStale(t *testing.T) {
	url := tickerServer(t, `{"price":"10"}`)
	s := oracle.NewStream(nil, url, "", "price", 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := s.CurrentPrice(context.Background(), "")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := s.CurrentPrice(context.Background(), "")
		return errors.Is(err, oracle.ErrOracleUnavailable)
	}, 2*time.Second, 10*time.Millisecond)
}
