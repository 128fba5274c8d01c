package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/skshohagmiah/flowsync/internal/auth"
	"github.com/skshohagmiah/flowsync/internal/document"
	"github.com/skshohagmiah/flowsync/internal/protocol"
	"github.com/skshohagmiah/flowsync/internal/query"
	"github.com/skshohagmiah/flowsync/internal/writes"
)

const (
	outQueueSize = 4096
	writeWait    = 10 * time.Second
)

// conn is one client connection. Two goroutines per connection: readLoop
// parses and dispatches requests, writeLoop drains the outbound queue.
// Request handlers run on their own goroutines so a slow query never
// stalls sibling requests on the same connection.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	log    *logrus.Entry

	out chan protocol.Response

	ctx    context.Context
	cancel context.CancelFunc

	// Touched only by readLoop.
	handshaken bool
	identity   auth.Identity

	mu   sync.Mutex
	subs map[uint64]context.CancelFunc
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(s.ctx)
	id := ulid.Make().String()
	return &conn{
		id:     id,
		server: s,
		ws:     ws,
		log:    s.log.WithField("conn", id),
		out:    make(chan protocol.Response, outQueueSize),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]context.CancelFunc),
	}
}

func (c *conn) serve() {
	c.log.Info("connection opened")
	defer c.log.Info("connection closed")
	defer c.ws.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	wg.Wait()

	// Connection loss tears down every live subscription.
	c.mu.Lock()
	for _, cancel := range c.subs {
		cancel()
	}
	c.subs = nil
	c.mu.Unlock()
}

func (c *conn) readLoop() {
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(protocol.ErrorResponse(0, protocol.CodeProtocol, fmt.Errorf("malformed request: %w", err)))
			continue
		}
		c.dispatch(req)
	}
}

func (c *conn) writeLoop() {
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case resp := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func (c *conn) send(resp protocol.Response) {
	select {
	case c.out <- resp:
	case <-c.ctx.Done():
	}
}

// dispatch routes one request. The handshake must complete before any
// application request is served.
func (c *conn) dispatch(req protocol.Request) {
	if !c.handshaken && req.Type != protocol.TypeHandshake {
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeProtocol,
			errors.New("handshake must complete before requests are accepted")))
		return
	}

	switch req.Type {
	case protocol.TypeHandshake:
		c.handleHandshake(req)

	case protocol.TypeQuery:
		go c.handleQuery(req)

	case protocol.TypeSubscribe:
		c.handleSubscribe(req)

	case protocol.TypeEndSubscription:
		c.endSubscription(req.RequestID)

	case protocol.TypeStore:
		go c.handleWrite(req, writes.KindStore)
	case protocol.TypeInsert:
		go c.handleWrite(req, writes.KindInsert)
	case protocol.TypeUpsert:
		go c.handleWrite(req, writes.KindUpsert)
	case protocol.TypeUpdate:
		go c.handleWrite(req, writes.KindUpdate)
	case protocol.TypeReplace:
		go c.handleWrite(req, writes.KindReplace)
	case protocol.TypeRemove, protocol.TypeRemoveAll:
		go c.handleWrite(req, writes.KindRemove)

	default:
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeProtocol,
			fmt.Errorf("unknown request type %q", req.Type)))
	}
}

func (c *conn) handleHandshake(req protocol.Request) {
	var opts protocol.HandshakeOptions
	if len(req.Options) > 0 {
		if err := json.Unmarshal(req.Options, &opts); err != nil {
			c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeProtocol, err))
			return
		}
	}

	identity, token, err := c.server.auth.Handshake(opts.Method, opts.Token)
	if err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodePermission, err))
		return
	}
	c.handshaken = true
	c.identity = identity
	c.log = c.log.WithField("user", identity.UserID)

	raw, err := json.Marshal(protocol.HandshakeResult{UserID: identity.UserID, Token: token})
	if err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeInternal, err))
		return
	}
	c.send(protocol.Response{
		RequestID: req.RequestID,
		Data:      []json.RawMessage{raw},
		State:     protocol.StateComplete,
	})
}

// plan parses, permission-checks and plans a read request, waiting for any
// pending index the plan needs.
func (c *conn) plan(ctx context.Context, req protocol.Request) (*query.ScanPlan, error) {
	desc, err := protocol.ParseQueryOptions(req.Options)
	if err != nil {
		return nil, err
	}
	if err := c.server.readAllowed(desc.Collection, c.identity); err != nil {
		return nil, fmt.Errorf("%w: %v", document.ErrNotPermitted, err)
	}
	plan, indexes, err := c.server.planner.Plan(desc)
	if err != nil {
		return nil, err
	}
	if err := c.server.backend.EnsureReady(ctx, indexes); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *conn) handleQuery(req protocol.Request) {
	plan, err := c.plan(c.ctx, req)
	if err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, codeFor(err), err))
		return
	}

	var docs []document.Document
	if plan.Single {
		doc, err := c.server.backend.FetchOne(c.ctx, plan)
		if err != nil {
			c.send(protocol.ErrorResponse(req.RequestID, codeFor(err), err))
			return
		}
		// A miss is an explicit null, not an empty result.
		docs = []document.Document{doc}
	} else {
		docs, err = c.server.backend.Fetch(c.ctx, plan)
		if err != nil {
			c.send(protocol.ErrorResponse(req.RequestID, codeFor(err), err))
			return
		}
	}

	resp, err := protocol.EncodeDocuments(req.RequestID, docs)
	if err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeInternal, err))
		return
	}
	resp.State = protocol.StateComplete
	c.send(resp)
}

func (c *conn) handleSubscribe(req protocol.Request) {
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return
	}
	if _, exists := c.subs[req.RequestID]; exists {
		c.mu.Unlock()
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeProtocol,
			fmt.Errorf("request id %d is already subscribed", req.RequestID)))
		return
	}
	subCtx, cancel := context.WithCancel(c.ctx)
	c.subs[req.RequestID] = cancel
	c.mu.Unlock()

	go c.runSubscription(subCtx, req)
}

func (c *conn) runSubscription(ctx context.Context, req protocol.Request) {
	defer c.endSubscription(req.RequestID)

	var extra protocol.SubscribeExtra
	if len(req.Options) > 0 {
		// Unknown keys are query options; only the protocol choice is read here.
		json.Unmarshal(req.Options, &extra)
	}
	usePatches := extra.Protocol == "patch"

	plan, err := c.plan(ctx, req)
	if err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, codeFor(err), err))
		return
	}

	feed, err := c.server.backend.Watch(ctx, plan)
	if err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, codeFor(err), err))
		return
	}
	defer feed.Close()

	for ev := range feed.Events() {
		if usePatches {
			c.send(protocol.Response{RequestID: req.RequestID, Patch: protocol.EventToPatch(ev)})
			continue
		}
		if ev.Type == protocol.ChangeState {
			c.send(protocol.Response{RequestID: req.RequestID, State: ev.State})
			continue
		}
		resp, err := protocol.EncodeEvents(req.RequestID, ev)
		if err != nil {
			c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeInternal, err))
			return
		}
		c.send(resp)
	}

	if err := feed.Err(); err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeInternal, err))
		return
	}
	c.send(protocol.Response{RequestID: req.RequestID, State: protocol.StateComplete})
}

// endSubscription cancels a live subscription. Idempotent: ending an
// already-completed or unknown request id is a no-op.
func (c *conn) endSubscription(requestID uint64) {
	c.mu.Lock()
	cancel, ok := c.subs[requestID]
	if ok {
		delete(c.subs, requestID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *conn) handleWrite(req protocol.Request, kind writes.Kind) {
	var opts protocol.WriteOptions
	if err := json.Unmarshal(req.Options, &opts); err != nil {
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeProtocol, err))
		return
	}
	if opts.Collection == "" {
		c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeValidation,
			errors.New("a collection name is required")))
		return
	}

	rows := make([]interface{}, len(opts.Data))
	for i, raw := range opts.Data {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			v = nil // resolved per-row as a non-object
		}
		rows[i] = v
	}

	deadline := time.Time{}
	switch {
	case opts.TimeoutMS != nil && *opts.TimeoutMS > 0:
		deadline = time.Now().Add(time.Duration(*opts.TimeoutMS) * time.Millisecond)
	case c.server.cfg.WriteTimeout > 0:
		deadline = time.Now().Add(c.server.cfg.WriteTimeout)
	}

	factory := c.server.writeValidator(opts.Collection, c.identity)
	outcomes := c.server.writer.Execute(c.ctx, opts.Collection, kind, rows, factory, deadline)

	resp := protocol.Response{RequestID: req.RequestID, State: protocol.StateComplete}
	for _, out := range outcomes {
		var row interface{}
		if out.Err != nil {
			row = map[string]interface{}{
				"error":      out.Err.Error(),
				"error_code": codeFor(out.Err),
			}
		} else {
			row = out.Doc
		}
		raw, err := json.Marshal(row)
		if err != nil {
			c.send(protocol.ErrorResponse(req.RequestID, protocol.CodeInternal, err))
			return
		}
		resp.Data = append(resp.Data, raw)
	}
	c.send(resp)
}

// codeFor maps an error onto the protocol's error code taxonomy.
func codeFor(err error) int {
	switch {
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, document.ErrNotObject),
		errors.Is(err, document.ErrInvalidDocument):
		return protocol.CodeValidation
	case errors.Is(err, document.ErrDuplicateKey),
		errors.Is(err, document.ErrVersionConflict):
		return protocol.CodeConflict
	case errors.Is(err, document.ErrNotPermitted):
		return protocol.CodePermission
	case errors.Is(err, document.ErrMissing):
		return protocol.CodeNotFound
	case errors.Is(err, document.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTimeout
	default:
		return protocol.CodeInternal
	}
}
