// Package remote talks to an out-of-process inference service over gRPC.
//
// Messages are JSON encoded (content-subtype "json"), so the service can be
// implemented without generated stubs on either side.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"minecraftfriend.ai/internal/model"
)

const (
	ServiceName   = "behavior.Inference"
	predictMethod = "/" + ServiceName + "/Predict"
	codecName     = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

type PredictRequest struct {
	Window     []float32 `json:"window"`
	InFeatures int       `json:"in_features"`
}

// PredictResponse is Legacy when Intent and Control are both empty.
type PredictResponse struct {
	Action  []float32 `json:"action_logits"`
	Intent  []float32 `json:"intent_logits,omitempty"`
	Control []float32 `json:"control,omitempty"`
}

// Service is the client side of the Inference service.
type Service interface {
	Predict(ctx context.Context, req *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error)
}

type connService struct {
	conn *grpc.ClientConn
}

func (s connService) Predict(ctx context.Context, req *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error) {
	resp := new(PredictResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := s.conn.Invoke(ctx, predictMethod, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// Client implements model.Model.
type Client struct {
	conn       *grpc.ClientConn
	svc        Service
	inFeatures int
}

// Dial connects to addr. inFeatures is sent with every request so the
// service can check the window layout.
func Dial(addr string, inFeatures int, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, svc: connService{conn: conn}, inFeatures: inFeatures}, nil
}

// NewClientWithService is used by tests to bypass the network.
func NewClientWithService(svc Service, inFeatures int) *Client {
	return &Client{svc: svc, inFeatures: inFeatures}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

var ErrEmptyResponse = errors.New("remote: empty action logits")

func (c *Client) Predict(ctx context.Context, window []float32) (model.Output, error) {
	resp, err := c.svc.Predict(ctx, &PredictRequest{Window: window, InFeatures: c.inFeatures})
	if err != nil {
		return nil, fmt.Errorf("predict rpc: %w", err)
	}
	if len(resp.Action) == 0 {
		return nil, ErrEmptyResponse
	}
	if len(resp.Intent) == 0 && len(resp.Control) == 0 {
		return model.Legacy{Action: resp.Action}, nil
	}
	return model.Hybrid{Action: resp.Action, Intent: resp.Intent, Control: resp.Control}, nil
}

// inferenceServer is the handler type registered with grpc.
type inferenceServer interface {
	predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error)
}

type modelServer struct {
	m model.Model
}

func (s modelServer) predict(ctx context.Context, req *PredictRequest) (*PredictResponse, error) {
	out, err := s.m.Predict(ctx, req.Window)
	if err != nil {
		return nil, err
	}
	switch o := out.(type) {
	case model.Hybrid:
		return &PredictResponse{Action: o.Action, Intent: o.Intent, Control: o.Control}, nil
	default:
		return &PredictResponse{Action: o.ActionLogits()}, nil
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*inferenceServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Predict",
		Handler:    predictHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "behavior/inference",
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PredictRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(inferenceServer).predict(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(inferenceServer).predict(ctx, r.(*PredictRequest))
	})
}

// Register exposes m as the Inference service on s.
func Register(s *grpc.Server, m model.Model) {
	s.RegisterService(&serviceDesc, modelServer{m: m})
}
