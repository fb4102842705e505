package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseTimeout     = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	inboundBuffer           = 64
)

// Outbound message types.
const (
	typeAudioAppend   = "input_audio.append"
	typeAudioEnd      = "input_audio.end"
	typeSessionUpdate = "session.update"
)

// State is the lifecycle state of a Connection. A connection moves forward
// only and is never reopened.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn used by Connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the socket to the transcription service.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a Dialer backed by gorilla/websocket.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return websocketDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d websocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return conn, nil
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	URL    string
	Header http.Header
	Dialer Dialer

	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	WriteTimeout     time.Duration

	Logger *log.Logger
}

// Connection is one open realtime transcription socket.
type Connection struct {
	conn         Conn
	logger       *log.Logger
	closeTimeout time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	session Session
	format  AudioFormat
	pending []Event

	inbound   chan Event
	closing   chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Connect dials the service and waits for session.created. Messages that
// arrive before it are kept and returned first by Next.
func Connect(ctx context.Context, opts ConnectOptions) (*Connection, error) {
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(opts.HandshakeTimeout)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	conn, err := opts.Dialer.Dial(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c := &Connection{
		conn:         conn,
		logger:       opts.Logger,
		closeTimeout: opts.CloseTimeout,
		writeTimeout: opts.WriteTimeout,
		state:        StateConnecting,
		inbound:      make(chan Event, inboundBuffer),
		closing:      make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	go c.readLoop()

	if err := c.handshake(ctx, opts.HandshakeTimeout); err != nil {
		c.abort()
		return nil, err
	}
	return c, nil
}

func (c *Connection) handshake(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-c.inbound:
			if !ok {
				return &TransportError{Op: "handshake", Err: errors.New("connection closed before session.created")}
			}
			switch e := ev.(type) {
			case SessionCreatedEvent:
				c.mu.Lock()
				c.session = e.Session
				c.format = e.Session.AudioFormat
				// The socket may already have closed behind the buffered
				// session.created; queued events still replay.
				if c.state == StateConnecting {
					c.state = StateOpen
				}
				c.mu.Unlock()
				return nil
			case ErrorEvent:
				return &ApplicationError{Code: e.Code, Message: e.Text()}
			case UnknownEvent:
				if e.IsTransportFailure() {
					return e.Cause
				}
			}
			c.mu.Lock()
			c.pending = append(c.pending, ev)
			c.mu.Unlock()
		case <-timer.C:
			return &HandshakeTimeoutError{Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) readLoop() {
	defer close(c.readDone)
	defer close(c.inbound)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			state := c.state
			if state < StateClosing {
				c.state = StateClosing
			}
			c.mu.Unlock()

			if state >= StateClosing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.logger.Printf("stt: read error: %v", err)
			c.deliver(UnknownEvent{RawType: TypeUnknown, Cause: &TransportError{Op: "read", Err: err}})
			return
		}
		if !c.deliver(Decode(data)) {
			return
		}
	}
}

func (c *Connection) deliver(ev Event) bool {
	select {
	case c.inbound <- ev:
		return true
	case <-c.closing:
		return false
	}
}

// Next returns the next event. Buffered handshake events come first. Session
// events update the cached Session and AudioFormat before they are returned.
// The second result is false once the socket has closed or ctx is done.
func (c *Connection) Next(ctx context.Context) (Event, bool) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()
		c.observe(ev)
		return ev, true
	}
	c.mu.Unlock()

	select {
	case ev, ok := <-c.inbound:
		if !ok {
			return nil, false
		}
		c.observe(ev)
		return ev, true
	case <-ctx.Done():
		return nil, false
	}
}

func (c *Connection) observe(ev Event) {
	var s Session
	switch e := ev.(type) {
	case SessionCreatedEvent:
		s = e.Session
	case SessionUpdatedEvent:
		s = e.Session
	default:
		return
	}
	c.mu.Lock()
	c.session = s
	c.format = s.AudioFormat
	c.mu.Unlock()
}

// Session returns the current server session.
func (c *Connection) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// AudioFormat returns the audio format currently in effect.
func (c *Connection) AudioFormat() AudioFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type audioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type sessionUpdateMessage struct {
	Type    string `json:"type"`
	Session struct {
		AudioFormat AudioFormat `json:"audio_format"`
	} `json:"session"`
}

type audioEndMessage struct {
	Type string `json:"type"`
}

// SendAudio sends one chunk of audio. It must be called from a single
// goroutine to keep chunks in order.
func (c *Connection) SendAudio(audio []byte) error {
	return c.send(audioAppendMessage{
		Type:  typeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

// UpdateAudioFormat asks the service to switch audio format and assumes the
// switch succeeded. A later session.updated from the service overrides it.
func (c *Connection) UpdateAudioFormat(format AudioFormat) error {
	if !format.Encoding.Valid() {
		return &InvalidConfigError{Field: "encoding", Reason: fmt.Sprintf("%q is not supported", format.Encoding)}
	}
	if format.SampleRate <= 0 {
		return &InvalidConfigError{Field: "sample_rate", Reason: "must be positive"}
	}
	msg := sessionUpdateMessage{Type: typeSessionUpdate}
	msg.Session.AudioFormat = format
	if err := c.send(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.format = format
	c.mu.Unlock()
	return nil
}

// EndAudio tells the service no more audio follows. It does nothing once the
// connection is closing.
func (c *Connection) EndAudio() error {
	err := c.send(audioEndMessage{Type: typeAudioEnd})
	if errors.Is(err, ErrClosedConnection) {
		return nil
	}
	return err
}

func (c *Connection) send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stt: encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return ErrClosedConnection
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close performs the closing handshake. It waits at most the close timeout
// for the service to acknowledge, then closes the socket regardless. Calling
// Close more than once is safe.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state < StateClosing {
			c.state = StateClosing
		}
		c.mu.Unlock()
		close(c.closing)

		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Printf("stt: close frame: %v", err)
		}

		timer := time.NewTimer(c.closeTimeout)
		select {
		case <-c.readDone:
		case <-timer.C:
			c.logger.Printf("stt: no close acknowledgement within %v, forcing close", c.closeTimeout)
		}
		timer.Stop()

		_ = c.conn.Close()
		<-c.readDone

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	})
}

// abort tears the socket down without the closing handshake.
func (c *Connection) abort() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()
		close(c.closing)
		_ = c.conn.Close()
		<-c.readDone
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	})
}
