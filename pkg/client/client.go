// Package client implements the reconnecting network client: a single
// background loop owns one pkg/transport.Conn at a time, replays queued
// requests against it, and routes responses back to their callers by
// envelope id. Grounded on
// original_source/client/src/client/quic_worker.rs's
// reconnecting_client_loop/connect_and_process/process shape, replacing
// fabruic/QUIC with pkg/transport.Conn and Rust's flume channel + tokio
// task with an unbuffered Go channel + goroutine.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/transport"
	"github.com/cuemby/kiln/pkg/wire"
)

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// CustomAPICallback handles an unsolicited Api response: a server push
// not tied to any outstanding request id.
type CustomAPICallback func(resp wire.ApiResponse)

// MessageCallback handles an unsolicited pub/sub delivery.
type MessageCallback func(notification wire.MessageNotification)

type pendingRequest struct {
	request   wire.Request
	sessionID *uint64
	responder chan pendingResult
}

type pendingResult struct {
	response wire.Response
	err      error
}

// Client is a reconnecting network client: Request queues a request and
// blocks until it is answered or the client is closed. One background
// goroutine owns the connection lifecycle; callers never see a raw
// transport error, only Request's returned error.
type Client struct {
	addr string

	customAPICallback CustomAPICallback
	messageCallback   MessageCallback

	outgoing chan *pendingRequest

	nextIDMu sync.Mutex
	nextID   uint32

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Dial starts a Client whose reconnect loop dials addr. The connection
// is established lazily, on the first Request call.
func Dial(addr string, opts ...Option) *Client {
	c := &Client{
		addr:     addr,
		outgoing: make(chan *pendingRequest),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.reconnectLoop()
	return c
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithCustomAPICallback registers the handler invoked for every
// unsolicited Api response (an id-less frame carrying Kind ==
// ResponseKindApi).
func WithCustomAPICallback(cb CustomAPICallback) Option {
	return func(c *Client) { c.customAPICallback = cb }
}

// WithMessageCallback registers the handler invoked for every pub/sub
// delivery pushed on an id-less frame.
func WithMessageCallback(cb MessageCallback) Option {
	return func(c *Client) { c.messageCallback = cb }
}

// Close aborts the reconnect loop. In-flight Request calls return
// kilnerr.KindDisconnected.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	<-c.done
}

func (c *Client) nextRequestID() uint32 {
	c.nextIDMu.Lock()
	defer c.nextIDMu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Request sends req and blocks until its matching response arrives, ctx
// is done, or the client is closed. A request is never retried
// automatically; that choice belongs to the caller.
func (c *Client) Request(ctx context.Context, sessionID *uint64, req wire.Request) (wire.Response, error) {
	pending := &pendingRequest{
		request:   req,
		sessionID: sessionID,
		responder: make(chan pendingResult, 1),
	}

	select {
	case c.outgoing <- pending:
	case <-c.closed:
		return wire.Response{}, kilnerr.New(kilnerr.KindDisconnected, "client is closed")
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}

	select {
	case result := <-pending.responder:
		return result.response, result.err
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}

// reconnectLoop is the single task that owns the connection: Disconnected
// (draining the first request to trigger a connect attempt) and
// Connected (forwarding requests, routing responses) per spec.md §4.7's
// state machine.
func (c *Client) reconnectLoop() {
	defer close(c.done)
	logger := log.WithComponent("client")
	backoff := initialBackoff

	for {
		var first *pendingRequest
		select {
		case first = <-c.outgoing:
		case <-c.closed:
			return
		}

		conn, err := transport.Dial(c.addr)
		if err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("connect failed, will retry")
			first.responder <- pendingResult{err: fmt.Errorf("connecting to %s: %w", c.addr, err)}
			select {
			case <-time.After(backoff):
			case <-c.closed:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		if !c.connectAndProcess(conn, first) {
			return
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// connectAndProcess drives one connection to completion: it forwards the
// already-dequeued first request, then alternates reading responses and
// accepting further outgoing requests until the connection fails or the
// client is closed. It returns false only when the client has been
// closed; any transport error returns true so the caller reconnects.
func (c *Client) connectAndProcess(conn transport.Conn, first *pendingRequest) bool {
	defer conn.Close()

	outstandingMu := sync.Mutex{}
	outstanding := make(map[uint32]*pendingRequest)

	readerErr := make(chan error, 1)
	go c.readResponses(conn, &outstandingMu, outstanding, readerErr)

	if err := c.sendRequest(conn, &outstandingMu, outstanding, first); err != nil {
		first.responder <- pendingResult{err: err}
		c.failOutstanding(&outstandingMu, outstanding)
		return true
	}

	for {
		select {
		case req := <-c.outgoing:
			if err := c.sendRequest(conn, &outstandingMu, outstanding, req); err != nil {
				req.responder <- pendingResult{err: err}
				c.failOutstanding(&outstandingMu, outstanding)
				return true
			}
		case err := <-readerErr:
			_ = err
			c.failOutstanding(&outstandingMu, outstanding)
			return true
		case <-c.closed:
			c.failOutstanding(&outstandingMu, outstanding)
			return false
		}
	}
}

func (c *Client) sendRequest(conn transport.Conn, mu *sync.Mutex, outstanding map[uint32]*pendingRequest, req *pendingRequest) error {
	id := c.nextRequestID()
	frame, err := wire.EncodeRequestEnvelope(req.sessionID, id, req.request)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	mu.Lock()
	outstanding[id] = req
	mu.Unlock()

	if err := conn.SendFrame(frame); err != nil {
		mu.Lock()
		delete(outstanding, id)
		mu.Unlock()
		return fmt.Errorf("sending request: %w", err)
	}
	return nil
}

func (c *Client) failOutstanding(mu *sync.Mutex, outstanding map[uint32]*pendingRequest) {
	mu.Lock()
	defer mu.Unlock()
	for id, req := range outstanding {
		req.responder <- pendingResult{err: kilnerr.New(kilnerr.KindDisconnected, "connection lost")}
		delete(outstanding, id)
	}
}

// readResponses is the reader side of one connection: every response
// with an id answers the matching outstanding request; every id-less
// response is routed to a registered callback, per spec.md §4.7's
// response-routing rules. It returns (via readerErr) once the
// connection fails.
func (c *Client) readResponses(conn transport.Conn, mu *sync.Mutex, outstanding map[uint32]*pendingRequest, readerErr chan<- error) {
	logger := log.WithComponent("client")
	for {
		frame, err := conn.ReceiveFrame()
		if err != nil {
			readerErr <- err
			return
		}

		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping frame with an unparseable envelope")
			continue
		}
		resp, err := wire.DecodeResponse(env)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping frame with an unparseable response")
			continue
		}

		if env.ID != nil {
			mu.Lock()
			req, ok := outstanding[*env.ID]
			if ok {
				delete(outstanding, *env.ID)
			}
			mu.Unlock()
			if ok {
				req.responder <- pendingResult{response: resp}
			}
			continue
		}

		switch resp.Kind {
		case wire.ResponseKindApi:
			if c.customAPICallback != nil && resp.Api != nil {
				c.customAPICallback(*resp.Api)
			}
		case wire.ResponseKindMessage:
			if c.messageCallback != nil && resp.Message != nil {
				c.messageCallback(*resp.Message)
			}
		default:
			logger.Warn().Str("kind", string(resp.Kind)).Msg("dropping unrecognized unsolicited response")
		}
	}
}
