package client

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/transport"
	"github.com/cuemby/kiln/pkg/wire"
)

// serveOnce accepts exactly one connection on ln and, for every request
// frame it receives, replies with an ok response carrying the same id.
func serveOnce(t *testing.T, ln *transport.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			frame, err := conn.ReceiveFrame()
			if err != nil {
				return
			}
			env, err := wire.DecodeEnvelope(frame)
			if err != nil {
				return
			}
			reply, err := wire.EncodeResponseEnvelope(env.ID, wire.Response{Kind: wire.ResponseKindOk})
			if err != nil {
				return
			}
			if err := conn.SendFrame(reply); err != nil {
				return
			}
		}
	}()
}

func TestRequestRoundTripsThroughServer(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	serveOnce(t, ln)

	c := Dial(ln.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Request(ctx, nil, wire.Request{
		Kind:   wire.RequestKindServer,
		Server: &wire.ServerRequest{Op: wire.ServerOpListDatabases},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Kind != wire.ResponseKindOk {
		t.Fatalf("got kind %q, want ok", resp.Kind)
	}
}

func TestRequestFailsWhenServerUnreachable(t *testing.T) {
	c := Dial("127.0.0.1:1")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Request(ctx, nil, wire.Request{
		Kind:   wire.RequestKindServer,
		Server: &wire.ServerRequest{Op: wire.ServerOpListDatabases},
	})
	if err == nil {
		t.Fatalf("expected an error dialing an unreachable address")
	}
}

func TestRequestContextCancellationReturnsPromptly(t *testing.T) {
	c := Dial("127.0.0.1:1")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, nil, wire.Request{
		Kind:   wire.RequestKindServer,
		Server: &wire.ServerRequest{Op: wire.ServerOpListDatabases},
	})
	if err == nil {
		t.Fatalf("expected a context or connect error")
	}
}

func TestCloseUnblocksInFlightRequests(t *testing.T) {
	c := Dial("127.0.0.1:1")

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, nil, wire.Request{
			Kind:   wire.RequestKindServer,
			Server: &wire.ServerRequest{Op: wire.ServerOpListDatabases},
		})
		done <- err
	}()

	// Give the reconnect loop a moment to start its first (failing) dial
	// attempt before closing, so Close genuinely races a connect.
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error once the client is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Request did not unblock after Close")
	}
}

func TestCustomAPICallbackReceivesUnsolicitedResponses(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	received := make(chan wire.ApiResponse, 1)
	c := Dial(ln.Addr().String(), WithCustomAPICallback(func(resp wire.ApiResponse) {
		received <- resp
	}))
	defer c.Close()

	// Force a connection to be established by issuing a throwaway
	// request that we don't wait on, then push an id-less frame.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = c.Request(ctx, nil, wire.Request{Kind: wire.RequestKindServer, Server: &wire.ServerRequest{Op: wire.ServerOpListDatabases}})
	}()

	var conn transport.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted a connection")
	}
	defer conn.Close()

	frame, err := wire.EncodeResponseEnvelope(nil, wire.Response{Kind: wire.ResponseKindApi, Api: &wire.ApiResponse{Bytes: []byte("push")}})
	if err != nil {
		t.Fatalf("EncodeResponseEnvelope: %v", err)
	}
	if err := conn.SendFrame(frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case resp := <-received:
		if string(resp.Bytes) != "push" {
			t.Fatalf("got %q, want push", resp.Bytes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("custom API callback was never invoked")
	}
}

func TestRequestReturnsDisconnectedAfterClose(t *testing.T) {
	c := Dial("127.0.0.1:1")
	c.Close()

	_, err := c.Request(context.Background(), nil, wire.Request{
		Kind:   wire.RequestKindServer,
		Server: &wire.ServerRequest{Op: wire.ServerOpListDatabases},
	})
	if !kilnerr.Is(err, kilnerr.KindDisconnected) {
		t.Fatalf("got %v, want a disconnected error", err)
	}
}
