package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

// Listen opens a listener for a "unix:/path" or "tcp:host:port" endpoint.
func Listen(endpoint string) (net.Listener, error) {
	ep, err := toolrpc.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ep, err)
	}
	return ln, nil
}

// Serve accepts socket connections and serves JSON-RPC on each until ctx
// is done or the listener fails. Frames use Content-Length headers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("tool server listening")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn serves one connection and blocks until the peer disconnects
// or ctx is done.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) {
	conn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), s.rpcHandler())
	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		_ = conn.Close()
	}
	s.logger.Debug().Msg("tool server connection closed")
}

func (s *Server) rpcHandler() jsonrpc2.Handler {
	return jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(func(ctx context.Context, _ *jsonrpc2.Conn, r *jsonrpc2.Request) (any, error) {
		req := toolrpc.Request{JSONRPC: toolrpc.Version, Method: r.Method}
		if id, err := r.ID.MarshalJSON(); err == nil {
			req.ID = toolrpc.ID(id)
		}
		if r.Params != nil {
			req.Params = *r.Params
		}
		resp := s.Handle(ctx, req)
		if resp.Error != nil {
			return nil, &jsonrpc2.Error{Code: int64(resp.Error.Code), Message: resp.Error.Message}
		}
		return resp.Result, nil
	}))
}

// Client calls a remote tool server. It is safe for concurrent use.
type Client struct {
	conn *jsonrpc2.Conn
}

// Dial connects to a tool server endpoint such as "unix:/tmp/tools.sock".
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	ep, err := toolrpc.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tool server at %s: %w", ep, err)
	}
	return NewClient(context.WithoutCancel(ctx), nc), nil
}

// NewClient speaks JSON-RPC over an established connection.
func NewClient(ctx context.Context, rwc io.ReadWriteCloser) *Client {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	return &Client{conn: jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(refuseCalls))}
}

func refuseCalls(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
	return nil, &jsonrpc2.Error{Code: toolrpc.CodeMethodNotFound, Message: "client accepts no calls"}
}

// Definitions returns the tool definitions. They are static, so no round
// trip is needed.
func (c *Client) Definitions() []toolrpc.ToolDefinition {
	return Definitions()
}

// Handle forwards req and maps transport failures to InternalError. The
// response echoes req.ID.
func (c *Client) Handle(ctx context.Context, req toolrpc.Request) toolrpc.Response {
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var result json.RawMessage
	err := c.conn.Call(ctx, req.Method, params, &result)
	if err != nil {
		var rpcErr *jsonrpc2.Error
		if errors.As(err, &rpcErr) {
			return toolrpc.Failure(req.ID, &toolrpc.Error{Code: int(rpcErr.Code), Message: rpcErr.Message})
		}
		return toolrpc.Failure(req.ID, toolrpc.Errorf(toolrpc.CodeInternalError, "tool server call failed: %v", err))
	}
	return toolrpc.Response{JSONRPC: toolrpc.Version, ID: req.ID, Result: result}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
