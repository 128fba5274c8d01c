// Package flowsync is the Go client for the flowsync sync server. One
// Client multiplexes any number of concurrent queries, subscriptions and
// write batches over a single WebSocket connection.
package flowsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/skshohagmiah/flowsync/internal/protocol"
)

// Common errors
var (
	ErrDisconnected = errors.New("connection lost")
	ErrClosed       = errors.New("client is closed")
)

// ServerError is a request-level failure reported by the server.
type ServerError struct {
	Msg  string
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Msg)
}

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
)

// Options configure a client.
type Options struct {
	// Token authenticates the handshake; empty means anonymous.
	Token string
	// UsePatches selects the compact patch wire variant for watches.
	UsePatches bool
	// HandshakeTimeout bounds the handshake round-trip. Zero means 10s.
	HandshakeTimeout time.Duration
	// Log receives client diagnostics. Nil means a default logger.
	Log *logrus.Logger
}

// Client is a connection multiplexer. Request ids are strictly increasing
// for the lifetime of the connection and are never reused; a reconnect is
// a new Client with a fresh id space.
type Client struct {
	url  string
	opts Options
	log  *logrus.Logger

	ws     *websocket.Conn
	nextID atomic.Uint64

	writeCh chan protocol.Request
	done    chan struct{}

	mu      sync.Mutex
	state   State
	queued  []protocol.Request
	waiters map[uint64]chan protocol.Response
	subs    map[uint64]*Subscription
	userID  string
	token   string
	closed  bool
}

// Connect dials the server and completes the handshake. Requests issued
// while the handshake is still in flight are queued and flushed in order
// once the connection is ready.
func Connect(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}

	c := &Client{
		url:     url,
		opts:    opts,
		log:     log,
		writeCh: make(chan protocol.Request, 256),
		done:    make(chan struct{}),
		state:   StateConnecting,
		waiters: make(map[uint64]chan protocol.Response),
		subs:    make(map[uint64]*Subscription),
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c.ws = ws

	go c.readLoop()
	go c.writeLoop()

	if err := c.handshake(ctx); err != nil {
		c.teardown(err)
		return nil, err
	}
	return c, nil
}

// State returns the connection phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated user id after a successful handshake.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Token returns the connection token issued or confirmed by the handshake.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Close tears the connection down. Live subscriptions terminate; in-flight
// requests fail with ErrClosed.
func (c *Client) Close() error {
	c.teardown(ErrClosed)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	method := protocol.HandshakeMethodAnonymous
	if c.opts.Token != "" {
		method = protocol.HandshakeMethodToken
	}
	raw, err := json.Marshal(protocol.HandshakeOptions{Method: method, Token: c.opts.Token})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateHandshaking
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	resp, err := c.roundTrip(hctx, protocol.TypeHandshake, raw, true)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	var result protocol.HandshakeResult
	if len(resp.Data) == 0 || json.Unmarshal(resp.Data[0], &result) != nil {
		return errors.New("handshake failed: malformed server response")
	}

	c.mu.Lock()
	c.userID = result.UserID
	c.token = result.Token
	c.state = StateReady
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	// Flush requests issued while the handshake was in flight, in order.
	for _, req := range queued {
		if !c.enqueue(req) {
			return ErrDisconnected
		}
	}
	return nil
}

// roundTrip issues one single-shot request and waits for its response.
// immediate bypasses the pre-handshake queue; only the handshake itself
// does this.
func (c *Client) roundTrip(ctx context.Context, typ string, options json.RawMessage, immediate bool) (protocol.Response, error) {
	id := c.nextID.Add(1)
	ch := make(chan protocol.Response, 1)
	req := protocol.Request{RequestID: id, Type: typ, Options: options}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Response{}, ErrClosed
	}
	c.waiters[id] = ch
	sendNow := immediate || c.state == StateReady
	if !sendNow {
		c.queued = append(c.queued, req)
	}
	c.mu.Unlock()

	if sendNow && !c.enqueue(req) {
		c.dropWaiter(id)
		return protocol.Response{}, ErrDisconnected
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return protocol.Response{}, &ServerError{Msg: *resp.Error, Code: resp.ErrorCode}
		}
		return resp, nil
	case <-ctx.Done():
		c.dropWaiter(id)
		return protocol.Response{}, ctx.Err()
	case <-c.done:
		return protocol.Response{}, ErrDisconnected
	}
}

func (c *Client) dropWaiter(id uint64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Client) enqueue(req protocol.Request) bool {
	select {
	case c.writeCh <- req:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) readLoop() {
	for {
		var resp protocol.Response
		if err := c.ws.ReadJSON(&resp); err != nil {
			c.teardown(ErrDisconnected)
			return
		}
		c.route(resp)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.writeCh:
			if err := c.ws.WriteJSON(req); err != nil {
				c.teardown(ErrDisconnected)
				return
			}
		}
	}
}

// route demultiplexes one inbound message solely by request id.
func (c *Client) route(resp protocol.Response) {
	c.mu.Lock()
	if ch, ok := c.waiters[resp.RequestID]; ok {
		delete(c.waiters, resp.RequestID)
		c.mu.Unlock()
		ch <- resp
		return
	}
	sub, ok := c.subs[resp.RequestID]
	if ok {
		select {
		case sub.in <- resp:
		default:
			// The subscription cannot keep up; fail it, not the client.
			delete(c.subs, resp.RequestID)
			sub.disconnect(errors.New("subscription buffer overflow"))
			close(sub.in)
		}
	}
	c.mu.Unlock()
	if !ok {
		c.log.WithField("request_id", resp.RequestID).Debug("dropping response for unknown request")
	}
}

// teardown moves the client to Disconnected exactly once and fans the
// terminal condition out to every live request and subscription.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	subs := c.subs
	c.subs = make(map[uint64]*Subscription)
	c.waiters = make(map[uint64]chan protocol.Response)
	c.mu.Unlock()

	close(c.done)
	c.ws.Close()

	for _, sub := range subs {
		sub.disconnect(err)
		close(sub.in)
	}
}

// subscribe registers a subscription before its request is sent so no
// early event can be missed.
func (c *Client) subscribe(sub *Subscription, options json.RawMessage) error {
	req := protocol.Request{RequestID: sub.id, Type: protocol.TypeSubscribe, Options: options}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.subs[sub.id] = sub
	sendNow := c.state == StateReady
	if !sendNow {
		c.queued = append(c.queued, req)
	}
	c.mu.Unlock()

	if sendNow && !c.enqueue(req) {
		return ErrDisconnected
	}
	return nil
}

// detachSubscription removes a subscription from the routing table and
// sends end_subscription. Safe to call after a disconnect: if the drop
// happened first, nothing is sent.
func (c *Client) detachSubscription(id uint64) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	closed := c.closed
	c.mu.Unlock()

	if !ok {
		return
	}
	close(sub.in)
	if closed {
		return
	}
	c.enqueue(protocol.Request{
		RequestID: id,
		Type:      protocol.TypeEndSubscription,
	})
}
