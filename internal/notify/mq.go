package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/websocket"
)

// NewMQSink picks a message-queue sink by URL scheme: redis:// publishes to a channel,
// ws:// and wss:// write text frames to a websocket endpoint.
func NewMQSink(endpoint string, timeout time.Duration) (Sink, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse mq endpoint: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return NewRedisSink(endpoint, timeout)
	case "ws", "wss":
		return NewWebSocketSink(endpoint, timeout), nil
	}
	return nil, fmt.Errorf("unsupported mq endpoint scheme %q", u.Scheme)
}

// WebSocketSink keeps one connection to a websocket endpoint and redials after a failure.
type WebSocketSink struct {
	url     string
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink for a ws:// or wss:// URL. The connection is opened on first use.
func NewWebSocketSink(url string, timeout time.Duration) *WebSocketSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebSocketSink{url: url, timeout: timeout}
}

// Name implements Sink.
func (w *WebSocketSink) Name() string { return "websocket" }

// Send implements Sink.
func (w *WebSocketSink) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		dialer := websocket.Dialer{HandshakeTimeout: w.timeout}
		conn, resp, err := dialer.DialContext(ctx, w.url, http.Header{"User-Agent": {"coldstore-notify"}})
		if err != nil {
			if resp != nil {
				return fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
			}
			return fmt.Errorf("websocket dial: %w", err)
		}
		w.conn = conn
	}
	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = w.conn.Close()
		w.conn = nil
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close implements Sink.
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}

// RedisSink publishes events to a redis channel.
type RedisSink struct {
	pool    *redis.Pool
	channel string
}

// NewRedisSink parses redis://[user:pass@]host:port/channel.
func NewRedisSink(endpoint string, timeout time.Duration) (*RedisSink, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse redis endpoint: %w", err)
	}
	channel := strings.Trim(u.Path, "/")
	if channel == "" {
		return nil, errors.New("redis endpoint needs a channel path, e.g. redis://host:6379/coldstore")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := []redis.DialOption{
		redis.DialConnectTimeout(timeout),
		redis.DialReadTimeout(timeout),
		redis.DialWriteTimeout(timeout),
		redis.DialUseTLS(u.Scheme == "rediss"),
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			opts = append(opts, redis.DialUsername(name))
		}
		if pw, ok := u.User.Password(); ok {
			opts = append(opts, redis.DialPassword(pw))
		}
	}
	addr := u.Host
	return &RedisSink{
		channel: channel,
		pool: &redis.Pool{
			MaxIdle:     2,
			IdleTimeout: 5 * time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", addr, opts...)
			},
		},
	}, nil
}

// Name implements Sink.
func (r *RedisSink) Name() string { return "redis" }

// Send implements Sink.
func (r *RedisSink) Send(ctx context.Context, payload []byte) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := redis.DoContext(conn, ctx, "PUBLISH", r.channel, payload); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close implements Sink.
func (r *RedisSink) Close() error {
	return r.pool.Close()
}
