package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
)

func TestPushWithoutConnection(t *testing.T) {
	r := NewRegistry(metrics.Nop(), nil)
	err := r.Push(context.Background(), "nobody", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestPushReachesEveryConnectionOfUser(t *testing.T) {
	m := metrics.Nop()
	r := NewRegistry(m, nil)
	a, b := NewClient("u1", 1), NewClient("u1", 1)
	other := NewClient("u2", 1)
	r.Register(a)
	r.Register(b)
	r.Register(other)

	require.NoError(t, r.Push(context.Background(), "u1", []byte("hello")))
	assert.Equal(t, "hello", string(<-a.Send))
	assert.Equal(t, "hello", string(<-b.Send))
	assert.Empty(t, other.Send)
	assert.Equal(t, 2, r.Connections("u1"))
	assert.Equal(t, 3, r.Total())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LiveConnections))
}

func TestPushDropsOnFullQueue(t *testing.T) {
	r := NewRegistry(metrics.Nop(), nil)
	c := NewClient("u1", 1)
	r.Register(c)

	require.NoError(t, r.Push(context.Background(), "u1", []byte("1")))
	err := r.Push(context.Background(), "u1", []byte("2"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoConnection))
	assert.Equal(t, "1", string(<-c.Send))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	m := metrics.Nop()
	r := NewRegistry(m, nil)
	c := NewClient("u1", 1)
	r.Register(c)

	r.Unregister(c)
	r.Unregister(c)

	_, open := <-c.Send
	assert.False(t, open)
	assert.Zero(t, r.Connections("u1"))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.LiveConnections))
}

func TestHandlerDeliversPushedEvents(t *testing.T) {
	r := NewRegistry(metrics.Nop(), nil)
	h := NewHandler(r, func(req *http.Request) (string, error) {
		if req.URL.Query().Get("token") != "good" {
			return "", errors.New("unauthenticated")
		}
		return "u1", nil
	}, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("rejects unauthenticated upgrade", func(t *testing.T) {
		_, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL+"?token=bad", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("delivers", func(t *testing.T) {
		conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL+"?token=good", nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return r.Connections("u1") == 1 }, time.Second, 10*time.Millisecond)
		require.NoError(t, r.Push(context.Background(), "u1", []byte(`{"type":"notification"}`)))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"notification"}`, string(msg))
	})

	t.Run("unregisters on close", func(t *testing.T) {
		require.Eventually(t, func() bool { return r.Connections("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}
