// Package server implements the network accept loop: it owns a
// pkg/wire.Dispatcher and one goroutine per accepted pkg/transport.Conn,
// reading request envelopes, dispatching them, and writing back the
// matching response; a second goroutine per subscription pumps pub/sub
// deliveries onto the connection as id-less frames. Grounded on spec.md
// §4.5/§4.7 and the teacher's pkg/api/server.go accept-loop shape,
// adapted from grpc-go's connection handling (done for it by the
// runtime) to an explicit read/dispatch/write loop over pkg/transport.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/pubsub"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/transport"
	"github.com/cuemby/kiln/pkg/wire"
)

// Server accepts framed connections and serves them against one storage
// instance's dispatcher.
type Server struct {
	ln         *transport.Listener
	dispatcher *wire.Dispatcher

	wg sync.WaitGroup
}

// Serve opens a listener on addr and returns a Server ready to Run.
func Serve(addr string, instance *storage.Instance) (*Server, error) {
	ln, err := transport.Listen(addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, dispatcher: wire.NewDispatcher(instance)}, nil
}

// Addr returns the server's bound network address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// RegisterAPI registers a custom API handler reachable by clients under
// name.
func (s *Server) RegisterAPI(name string, handler wire.ApiHandler) error {
	return s.dispatcher.RegisterAPI(name, handler)
}

// Run accepts connections until the listener is closed, serving each on
// its own goroutine. It returns once Close has stopped the listener and
// every connection goroutine has exited.
func (s *Server) Run() error {
	logger := log.WithComponent("server")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, logger)
		}()
		logger.Debug().Msg("accepted connection")
	}
}

// Close stops accepting new connections. Connections already in flight
// finish on their own once their peer disconnects.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.dispatcher.Close()
	return err
}

// serveConn reads request envelopes from conn until it errors, writing
// the dispatched response back tagged with the original id. Every
// subscription opened on this connection gets its own pump goroutine
// forwarding deliveries as id-less frames; cancel tears every such
// goroutine down once the connection closes.
func (s *Server) serveConn(conn transport.Conn, logger zerolog.Logger) {
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.SendFrame(frame)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		frame, err := conn.ReceiveFrame()
		if err != nil {
			return
		}

		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping connection on unparseable envelope")
			return
		}
		req, err := wire.DecodeRequest(env)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping connection on unparseable request")
			return
		}

		resp := s.dispatchOne(ctx, env, req, writeFrame, logger)

		reply, err := wire.EncodeResponseEnvelope(env.ID, resp)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping connection on unencodable response")
			return
		}
		if err := writeFrame(reply); err != nil {
			return
		}
	}
}

// dispatchOne handles a single request. OpSubscribe is intercepted ahead
// of the generic Dispatch path so the server can keep the live
// *pubsub.Subscriber and start a delivery-pump goroutine bound to this
// connection's lifetime; every other request goes straight through the
// dispatcher.
func (s *Server) dispatchOne(ctx context.Context, env wire.Envelope, req wire.Request, writeFrame func([]byte) error, logger zerolog.Logger) wire.Response {
	if req.Kind == wire.RequestKindDatabase && req.Database != nil && req.Database.Op == wire.OpSubscribe {
		sub, err := s.dispatcher.Subscribe(env.SessionID, req.Database)
		if err != nil {
			return wire.NewErrorResponse(err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			pumpSubscriber(ctx, sub, writeFrame, logger)
		}()
		return wire.Response{
			Kind:     wire.ResponseKindDatabase,
			Database: &wire.DatabaseResponse{SubscriberID: uint64(sub.ID())},
		}
	}
	return s.dispatcher.Dispatch(ctx, env.SessionID, req)
}

// pumpSubscriber forwards every message delivered to sub as an id-less
// MessageNotification frame, until ctx is done (the connection closed)
// or the relay closes sub's queue (an OpUnsubscribe or session teardown).
func pumpSubscriber(ctx context.Context, sub *pubsub.Subscriber, writeFrame func([]byte) error, logger zerolog.Logger) {
	for {
		select {
		case msg, ok := <-sub.Receive():
			if !ok {
				return
			}
			frame, err := wire.EncodeResponseEnvelope(nil, wire.Response{
				Kind: wire.ResponseKindMessage,
				Message: &wire.MessageNotification{
					SubscriberID: uint64(sub.ID()),
					Topic:        msg.Topic,
					Payload:      msg.Payload,
				},
			})
			if err != nil {
				logger.Warn().Err(err).Msg("dropping undeliverable pub/sub message")
				continue
			}
			if err := writeFrame(frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
