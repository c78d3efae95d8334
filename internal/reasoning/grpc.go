package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/t031a5/controlcore/internal/model"
)

// DecideMethod is the full gRPC method name of the reasoner service.
const DecideMethod = "/controlcore.reasoning.v1.Reasoner/Decide"

// #region wire

type wireRequest struct {
	Context model.SituationalContext `json:"context"`
	History []model.ActionResult     `json:"history"`
}

type wireIntent struct {
	ID                  string         `json:"id,omitempty"`
	Kind                string         `json:"kind"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	RequestedDurationMS float64        `json:"requested_duration_ms,omitempty"`
	Priority            int            `json:"priority,omitempty"`
}

type wireBatch struct {
	Intents []wireIntent `json:"intents"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("to struct: %w", err)
	}
	return st, nil
}

func fromStruct(st *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("from struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func batchToWire(b model.Batch) wireBatch {
	w := wireBatch{Intents: make([]wireIntent, len(b.Intents))}
	for i, in := range b.Intents {
		w.Intents[i] = wireIntent{
			ID:                  in.ID,
			Kind:                string(in.Kind),
			Parameters:          in.Parameters,
			RequestedDurationMS: float64(in.RequestedDuration / time.Millisecond),
			Priority:            in.Priority,
		}
	}
	return w
}

func batchFromWire(w wireBatch) model.Batch {
	b := model.Batch{Intents: make([]model.Intent, len(w.Intents))}
	for i, in := range w.Intents {
		b.Intents[i] = model.Intent{
			ID:                in.ID,
			Kind:              model.IntentKind(in.Kind),
			Parameters:        in.Parameters,
			RequestedDuration: time.Duration(in.RequestedDurationMS * float64(time.Millisecond)),
			Priority:          in.Priority,
		}
	}
	return b
}

// #endregion wire

// #region client

// Invoker is the unary-call surface of a gRPC connection. *grpc.ClientConn
// satisfies it; tests inject a fake.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// GRPCProvider asks a remote Reasoner service for decisions.
type GRPCProvider struct {
	name string
	inv  Invoker
	conn *grpc.ClientConn
}

// DialGRPCProvider connects to a Reasoner service at addr.
func DialGRPCProvider(name, addr string) (*GRPCProvider, error) {
	if addr == "" {
		return nil, fmt.Errorf("grpc provider %s: empty address", name)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCProvider{name: name, inv: conn, conn: conn}, nil
}

// NewGRPCProvider wraps an existing invoker. Used for testing without a real
// connection, and for sharing one connection across providers.
func NewGRPCProvider(name string, inv Invoker) *GRPCProvider {
	return &GRPCProvider{name: name, inv: inv}
}

func (p *GRPCProvider) Name() string { return p.name }

// Decide sends the context and history as a Struct and decodes the batch.
func (p *GRPCProvider) Decide(ctx context.Context, sc model.SituationalContext, history []model.ActionResult) (model.Batch, error) {
	req, err := toStruct(wireRequest{Context: sc, History: history})
	if err != nil {
		return model.Batch{}, fmt.Errorf("decide request: %w", err)
	}
	reply := &structpb.Struct{}
	if err := p.inv.Invoke(ctx, DecideMethod, req, reply); err != nil {
		return model.Batch{}, fmt.Errorf("decide rpc: %w", err)
	}
	var w wireBatch
	if err := fromStruct(reply, &w); err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return batchFromWire(w), nil
}

// Close shuts down the connection if this provider dialed it.
func (p *GRPCProvider) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// #endregion client

// #region server

// ReasonerServer is the server side of the Reasoner service.
type ReasonerServer interface {
	Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterReasonerServer registers srv on s.
func RegisterReasonerServer(s grpc.ServiceRegistrar, srv ReasonerServer) {
	s.RegisterService(&reasonerServiceDesc, srv)
}

var reasonerServiceDesc = grpc.ServiceDesc{
	ServiceName: "controlcore.reasoning.v1.Reasoner",
	HandlerType: (*ReasonerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: decideHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "controlcore/reasoning/v1/reasoner.proto",
}

func decideHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReasonerServer).Decide(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DecideMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReasonerServer).Decide(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// providerServer exposes any Provider as a Reasoner service.
type providerServer struct {
	p Provider
}

// NewProviderServer adapts p to the Reasoner service.
func NewProviderServer(p Provider) ReasonerServer {
	return &providerServer{p: p}
}

func (s *providerServer) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var w wireRequest
	if err := fromStruct(req, &w); err != nil {
		return nil, err
	}
	b, err := s.p.Decide(ctx, w.Context, w.History)
	if err != nil {
		return nil, err
	}
	return toStruct(batchToWire(b))
}

// #endregion server
