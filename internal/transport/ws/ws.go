// Package ws is a websocket Link speaking JSON frames.
//
// Upstream frames are {"op":"subscribe|unsubscribe|publish","topic":...,"data":...}.
// Downstream frames are {"topic":...,"data":...}.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/quizlive/internal/auth"
	"github.com/victornm/quizlive/internal/transport"
)

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
)

// Frame is the unit exchanged over the socket in both directions.
type Frame struct {
	Op    string          `json:"op,omitempty"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   64 << 10,
	}
}

type Dialer struct {
	c      Config
	dialer *websocket.Dialer
}

func NewDialer(c Config) *Dialer {
	return &Dialer{
		c: c,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, token string) (transport.Link, error) {
	h := http.Header{}
	h.Set("Authorization", auth.Bearer(token))

	conn, resp, err := d.dialer.DialContext(ctx, d.c.URL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: status %d: %w", d.c.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", d.c.URL, err)
	}

	if d.c.MaxMessageSize > 0 {
		conn.SetReadLimit(d.c.MaxMessageSize)
	}

	l := &link{conn: conn, c: d.c, done: make(chan struct{})}
	if d.c.PingInterval > 0 {
		go l.ping()
	}

	return l, nil
}

type link struct {
	conn *websocket.Conn
	c    Config

	wmu  sync.Mutex // gorilla allows one concurrent writer
	done chan struct{}
	once sync.Once
}

func (l *link) Subscribe(_ context.Context, topic string) error {
	return l.write(Frame{Op: OpSubscribe, Topic: topic})
}

func (l *link) Unsubscribe(_ context.Context, topic string) error {
	return l.write(Frame{Op: OpUnsubscribe, Topic: topic})
}

func (l *link) Publish(_ context.Context, topic string, payload []byte) error {
	return l.write(Frame{Op: OpPublish, Topic: topic, Data: payload})
}

func (l *link) Receive(_ context.Context) (transport.Message, error) {
	for {
		var f Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			select {
			case <-l.done:
				return transport.Message{}, transport.ErrClosed
			default:
				return transport.Message{}, fmt.Errorf("ws: read: %w", err)
			}
		}

		// Frames without a topic are server acknowledgements.
		if f.Topic == "" {
			continue
		}

		return transport.Message{Topic: f.Topic, Payload: f.Data}, nil
	}
}

func (l *link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)

		l.wmu.Lock()
		_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.wmu.Unlock()

		err = l.conn.Close()
	})
	return err
}

func (l *link) write(f Frame) error {
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout()))
	if err := l.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("ws: write %s: %w", f.Op, err)
	}

	return nil
}

func (l *link) writeTimeout() time.Duration {
	if l.c.WriteTimeout > 0 {
		return l.c.WriteTimeout
	}
	return 10 * time.Second
}

func (l *link) ping() {
	t := time.NewTicker(l.c.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.wmu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.writeTimeout()))
			l.wmu.Unlock()
			if err != nil {
				// The read side sees the broken socket and ends the link.
				_ = l.conn.Close()
				return
			}
		}
	}
}
