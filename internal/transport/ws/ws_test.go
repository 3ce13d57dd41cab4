package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizlive/internal/transport"
	"github.com/victornm/quizlive/internal/transport/ws"
)

func TestLink_RoundTrip(t *testing.T) {
	frames := make(chan ws.Frame, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var f ws.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f

			if f.Op == ws.OpSubscribe {
				_ = conn.WriteJSON(ws.Frame{})
				_ = conn.WriteJSON(ws.Frame{Topic: f.Topic, Data: []byte(`{"type":"LOBBY_CANCELLED"}`)})
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := ws.NewDialer(ws.DefaultConfig("ws" + strings.TrimPrefix(srv.URL, "http")))
	l, err := d.Dial(ctx, "tok")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	require.NoError(t, l.Subscribe(ctx, "lobby.L1"))
	msg, err := l.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lobby.L1", msg.Topic)
	assert.JSONEq(t, `{"type":"LOBBY_CANCELLED"}`, string(msg.Payload))

	require.NoError(t, l.Publish(ctx, "lobby.L1", []byte(`{"text":"hi"}`)))
	require.NoError(t, l.Unsubscribe(ctx, "lobby.L1"))

	got := []ws.Frame{<-frames, <-frames, <-frames}
	assert.Equal(t, ws.OpSubscribe, got[0].Op)
	assert.Equal(t, ws.OpPublish, got[1].Op)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[1].Data))
	assert.Equal(t, ws.OpUnsubscribe, got[2].Op)

	require.NoError(t, l.Close())
	_, err = l.Receive(ctx)
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, l.Publish(ctx, "lobby.L1", []byte(`{}`)), transport.ErrClosed)
}

func TestDialer_RejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	d := ws.NewDialer(ws.DefaultConfig("ws" + strings.TrimPrefix(srv.URL, "http")))
	_, err := d.Dial(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
