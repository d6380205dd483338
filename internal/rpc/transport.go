// Package rpc implements the transport-agnostic RPC surface the rest of
// the engine is built against: addressable endpoints exchanging
// request/response pairs, every request carrying a target fencing token
// and a timeout. It uses a single generic "Call" method and a JSON
// codec (see codec.go) rather than compiled protobuf stubs, since the
// gateway method set is large and still evolving.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Envelope is the request half of every RPC: a method name scoped to the
// receiving endpoint's gateway, the caller's expected fencing token for
// that endpoint, and a JSON-encoded payload.
type Envelope struct {
	Method       string          `json:"method"`
	FencingToken string          `json:"fencing_token"`
	Body         json.RawMessage `json:"body"`
}

// Response is the reply half. Declined flags the "leader
// mismatch/stale fencing" case so callers can distinguish it from a
// generic error and re-discover the leader.
type Response struct {
	Body      json.RawMessage `json:"body"`
	Error     string          `json:"error,omitempty"`
	Declined  bool            `json:"declined,omitempty"`
}

// Handler processes one decoded Envelope body and returns a reply body
// or an error. ctx carries the per-call timeout the caller specified.
type Handler func(ctx context.Context, fencingToken string, body json.RawMessage) (json.RawMessage, error)

// DeclinedError marks a Handler failure as a fencing/leader mismatch so
// Server.call can set Response.Declined.
type DeclinedError struct{ Cause error }

func (e *DeclinedError) Error() string { return e.Cause.Error() }
func (e *DeclinedError) Unwrap() error { return e.Cause }

// Decline wraps err so it is surfaced to the caller as a declined call.
func Decline(err error) error { return &DeclinedError{Cause: err} }

// Server hosts a set of named Handlers behind one grpc service and
// dispatches incoming Envelopes to them by method name. One Server
// backs one endpoint (ResourceManager, JobMaster, or TaskExecutor).
type Server struct {
	grpcServer *grpc.Server
	handlers   map[string]Handler
}

// NewServer constructs an RPC server with no handlers registered.
// Call Register for each method the endpoint's gateway exposes, then
// Serve.
func NewServer(opts ...grpc.ServerOption) *Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		handlers:   make(map[string]Handler),
	}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Register binds a method name to its Handler. Re-registering a name
// replaces the previous handler.
func (s *Server) Register(method string, h Handler) {
	s.handlers[method] = h
}

// GRPCServer exposes the underlying *grpc.Server so callers can attach
// it to a net.Listener (see cmd/*/main.go).
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

func (s *Server) call(ctx context.Context, env *Envelope) (*Response, error) {
	h, ok := s.handlers[env.Method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %q", env.Method)
	}
	body, err := h(ctx, env.FencingToken, env.Body)
	if err != nil {
		var declined *DeclinedError
		if asDeclined(err, &declined) {
			return &Response{Error: declined.Error(), Declined: true}, nil
		}
		return &Response{Error: err.Error()}, nil
	}
	return &Response{Body: body}, nil
}

func asDeclined(err error, target **DeclinedError) bool {
	d, ok := err.(*DeclinedError)
	if !ok {
		return false
	}
	*target = d
	return true
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a service with one unary RPC: Call(Envelope) Response.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "engine.rpc.Transport",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(Envelope)
				if err := dec(in); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.call(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/engine.rpc.Transport/Call"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return s.call(ctx, req.(*Envelope))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "engine/rpc/transport.proto",
}

// Conn is a client-side handle to one remote endpoint, addressed by its
// gateway address and (once known) its fencing token.
type Conn struct {
	target string
	cc     *grpc.ClientConn
}

// Dial opens a connection to a remote endpoint's gateway address.
// Production deployments would supply TLS transport credentials here;
// the engine's own fencing-token check in Server.call is the
// authorization boundary required today, so insecure transport
// credentials are used and left to the deployer to harden.
func Dial(target string) (*Conn, error) {
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return &Conn{target: target, cc: cc}, nil
}

func (c *Conn) Close() error { return c.cc.Close() }

func (c *Conn) Target() string { return c.target }

// Call invokes method on the remote endpoint, marshaling req and
// unmarshaling into resp (if non-nil). fencingToken is stamped on the
// outgoing envelope; the remote endpoint rejects the
// call if it does not match its current fencing token.
func (c *Conn) Call(ctx context.Context, timeout time.Duration, method string, fencingToken string, req interface{}, resp interface{}) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	in := &Envelope{Method: method, FencingToken: fencingToken, Body: body}
	out := new(Response)
	if err := c.cc.Invoke(ctx, "/engine.rpc.Transport/Call", in, out); err != nil {
		return fmt.Errorf("rpc %s failed: %w", method, err)
	}
	if out.Declined {
		return Decline(fmt.Errorf("%s", out.Error))
	}
	if out.Error != "" {
		return fmt.Errorf("%s", out.Error)
	}
	if resp != nil && len(out.Body) > 0 {
		if err := json.Unmarshal(out.Body, resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
