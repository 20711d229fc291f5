package comfy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write the close frame on disconnect.
	closeWait = 2 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
	defaultHTTPTimeout      = 60 * time.Second

	subscriptionBuffer = 256
)

var errDisconnected = errors.New("session disconnected")

// SessionOptions configures a Session. Zero values pick defaults.
type SessionOptions struct {
	ClientID   string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zerolog.Logger
}

// Session is one client identity on a ComfyUI server: a client id, the
// WebSocket the server pushes execution events on, and the HTTP endpoints.
// A Session is meant for a single generation call.
type Session struct {
	httpBase *url.URL
	wsBase   *url.URL
	clientID string
	http     *http.Client
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{} // closed when the reader exits
	subs map[*Subscription]struct{}
}

// NewSession creates a session for the server at address, which is either
// host:port or a full http(s) URL.
func NewSession(address string, opts SessionOptions) (*Session, error) {
	httpBase, wsBase, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	s := &Session{
		httpBase: httpBase,
		wsBase:   wsBase,
		clientID: opts.ClientID,
		http:     opts.HTTPClient,
		dialer:   opts.Dialer,
		subs:     make(map[*Subscription]struct{}),
	}
	if s.clientID == "" {
		s.clientID = uuid.NewString()
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = log.Logger
	}
	s.log = s.log.With().Str("component", "comfy").Str("client_id", s.clientID).Logger()
	return s, nil
}

func parseAddress(address string) (*url.URL, *url.URL, error) {
	if address == "" {
		return nil, nil, fmt.Errorf("%w: empty server address", ErrConnection)
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(strings.TrimRight(address, "/"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid server address %q: %v", ErrConnection, address, err)
	}

	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, nil, fmt.Errorf("%w: unsupported scheme %q", ErrConnection, u.Scheme)
	}
	return u, &ws, nil
}

// ClientID returns the id this session identifies itself with.
func (s *Session) ClientID() string {
	return s.clientID
}

// Connected reports whether the WebSocket is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect opens the event WebSocket. Calling it on an open session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	u := *s.wsBase
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {s.clientID}}.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: %v (status %d)", ErrConnection, u.Host, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, u.Host, err)
	}

	s.conn = conn
	s.done = make(chan struct{})
	go s.readLoop(conn, s.done)

	s.log.Debug().Str("url", u.String()).Msg("websocket connected")
	return nil
}

// Disconnect closes the WebSocket and ends every live subscription.
// It is safe to call more than once and on a session that never connected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.done = nil, nil
	s.mu.Unlock()

	if conn == nil {
		return
	}

	s.failSubscriptions(errDisconnected)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	_ = conn.Close()
	<-done

	s.log.Debug().Msg("websocket disconnected")
}

// Subscribe registers a new event subscription. Events that arrive before
// Subscribe returns are not delivered to it.
func (s *Session) Subscribe() *Subscription {
	sub := &Subscription{
		ch:      make(chan Event, subscriptionBuffer),
		done:    make(chan struct{}),
		session: s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		sub.end(errDisconnected)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) failSubscriptions(err error) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end(err)
	}
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn, s.done = nil, nil
			}
			s.mu.Unlock()
			_ = conn.Close()

			s.failSubscriptions(fmt.Errorf("connection closed: %w", err))
			return
		}
		// Binary frames are latent previews; nothing to track there.
		if mt != websocket.TextMessage {
			continue
		}

		ev, err := ParseEvent(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("discarding malformed event")
			continue
		}
		s.dispatch(ev)
	}
}

func (s *Session) dispatch(ev Event) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Subscription receives events from one Session until it is closed or the
// connection drops. The owner must call Close.
type Subscription struct {
	ch      chan Event
	done    chan struct{}
	session *Session

	once sync.Once
	err  error
}

// Events returns the event channel. It is never closed; select on Done too.
func (sub *Subscription) Events() <-chan Event {
	return sub.ch
}

// Done is closed when the subscription ends.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Err reports why the subscription ended, or nil while it is live or after
// a plain Close.
func (sub *Subscription) Err() error {
	select {
	case <-sub.done:
		return sub.err
	default:
		return nil
	}
}

// Close releases the subscription.
func (sub *Subscription) Close() {
	sub.end(nil)
	if sub.session != nil {
		sub.session.unsubscribe(sub)
	}
}

func (sub *Subscription) end(err error) {
	sub.once.Do(func() {
		sub.err = err
		close(sub.done)
	})
}
