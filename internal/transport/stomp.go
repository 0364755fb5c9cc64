// Package transport opens STOMP sessions to the appointment event source,
// over plain TCP or carried in WebSocket text frames.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

// Subprotocols offered during the WebSocket handshake
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const (
	defaultDialTimeout  = 10 * time.Second
	defaultCloseTimeout = 2 * time.Second
	subscriptionBuffer  = 64
)

// StompDialer implements interfaces.Dialer with go-stomp
type StompDialer struct {
	DialTimeout  time.Duration
	CloseTimeout time.Duration
	TLSConfig    *tls.Config
}

// NewStompDialer creates a dialer with default timeouts
func NewStompDialer() *StompDialer {
	return &StompDialer{
		DialTimeout:  defaultDialTimeout,
		CloseTimeout: defaultCloseTimeout,
	}
}

// Dial connects to req.Endpoint (tcp://, ws:// or wss://) and performs the
// STOMP CONNECT handshake with req.Headers and the requested heartbeat.
func (d *StompDialer) Dial(ctx context.Context, req interfaces.DialRequest) (interfaces.Session, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidConfig, "invalid event source endpoint",
			map[string]interface{}{"endpoint": req.Endpoint})
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout())
	defer cancel()

	nc, err := d.open(dialCtx, u, req.Headers)
	if err != nil {
		return nil, err
	}

	// Abort the handshake if the caller gives up or the server never answers.
	stop := context.AfterFunc(dialCtx, func() { nc.Close() })
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(req.Heartbeat, req.Heartbeat),
	}
	if req.HeartbeatTolerance > 0 {
		opts = append(opts, stomp.ConnOpt.HeartBeatError(req.HeartbeatTolerance))
	}
	for k, v := range req.Headers {
		opts = append(opts, stomp.ConnOpt.Header(k, v))
	}
	conn, err := stomp.Connect(nc, opts...)
	if !stop() {
		if conn != nil {
			conn.MustDisconnect()
		}
		return nil, fmt.Errorf("stomp handshake with %s aborted: %w", u.Host, dialCtx.Err())
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stomp handshake with %s: %w", u.Host, err)
	}

	return &session{
		conn:         conn,
		done:         make(chan struct{}),
		closeTimeout: d.closeTimeout(),
	}, nil
}

func (d *StompDialer) open(ctx context.Context, u *url.URL, headers map[string]string) (net.Conn, error) {
	switch u.Scheme {
	case "tcp":
		var dialer net.Dialer
		nc, err := dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.Host, err)
		}
		return nc, nil
	case "ws", "wss":
		header := http.Header{}
		for k, v := range headers {
			header.Set(k, v)
		}
		opts := &websocket.DialOptions{
			Subprotocols: Subprotocols,
			HTTPHeader:   header,
		}
		if d.TLSConfig != nil {
			opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: d.TLSConfig}}
		}
		ws, _, err := websocket.Dial(ctx, u.String(), opts)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", u.Host, err)
		}
		// The net.Conn outlives the dial context; Close tears it down.
		return websocket.NetConn(context.Background(), ws, websocket.MessageText), nil
	default:
		return nil, types.NewValidationError(types.ErrCodeInvalidConfig,
			fmt.Sprintf("unsupported event source scheme %q", u.Scheme),
			map[string]interface{}{"endpoint": u.String()})
	}
}

func (d *StompDialer) dialTimeout() time.Duration {
	if d.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return d.DialTimeout
}

func (d *StompDialer) closeTimeout() time.Duration {
	if d.CloseTimeout <= 0 {
		return defaultCloseTimeout
	}
	return d.CloseTimeout
}

type session struct {
	conn         *stomp.Conn
	done         chan struct{}
	closeOnce    sync.Once
	closeErr     error
	closeTimeout time.Duration
}

// Subscribe subscribes with automatic acknowledgement
func (s *session) Subscribe(topic string) (interfaces.Subscription, error) {
	sub, err := s.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, err
	}

	out := &subscription{
		sub:     sub,
		c:       make(chan interfaces.Message, subscriptionBuffer),
		done:    s.done,
		timeout: s.closeTimeout,
	}
	go out.pump(topic)
	return out, nil
}

// Close disconnects gracefully, falling back to dropping the socket when
// the server does not acknowledge in time.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = withTimeout(s.closeTimeout, s.conn.Disconnect, s.conn.MustDisconnect)
	})
	return s.closeErr
}

type subscription struct {
	sub     *stomp.Subscription
	c       chan interfaces.Message
	done    <-chan struct{}
	timeout time.Duration
}

func (s *subscription) C() <-chan interfaces.Message {
	return s.c
}

func (s *subscription) Unsubscribe() error {
	if !s.sub.Active() {
		return nil
	}
	return withTimeout(s.timeout, func() error { return s.sub.Unsubscribe() }, nil)
}

// pump converts go-stomp messages until the subscription ends or the
// session is closed. A transport failure is delivered as a message with Err
// set before the channel is closed.
func (s *subscription) pump(topic string) {
	defer close(s.c)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.sub.C:
			if !ok {
				return
			}
			out := interfaces.Message{Topic: topic}
			if msg.Err != nil {
				out.Err = msg.Err
			} else {
				out.Body = msg.Body
				if msg.Destination != "" {
					out.Topic = msg.Destination
				}
			}
			select {
			case s.c <- out:
			case <-s.done:
				return
			}
			if out.Err != nil {
				return
			}
		}
	}
}

// withTimeout runs fn, calling fallback if it has not returned after d
func withTimeout(d time.Duration, fn func() error, fallback func() error) error {
	result := make(chan error, 1)
	go func() { result <- fn() }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		if fallback != nil {
			return fallback()
		}
		return fmt.Errorf("timed out after %s", d)
	}
}
