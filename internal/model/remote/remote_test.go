package remote

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"minecraftfriend.ai/internal/model"
	"minecraftfriend.ai/internal/model/linear"
)

type mockService struct {
	resp *PredictResponse
	err  error
	got  *PredictRequest
}

func (m *mockService) Predict(_ context.Context, req *PredictRequest, _ ...grpc.CallOption) (*PredictResponse, error) {
	m.got = req
	return m.resp, m.err
}

func TestClient_DecodesOutputKinds(t *testing.T) {
	svc := &mockService{resp: &PredictResponse{Action: []float32{1, 2}}}
	c := NewClientWithService(svc, 2)
	out, err := c.Predict(context.Background(), []float32{0.1, 0.2})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if _, ok := out.(model.Legacy); !ok {
		t.Fatalf("output=%T want Legacy", out)
	}
	if svc.got.InFeatures != 2 || len(svc.got.Window) != 2 {
		t.Fatalf("request=%+v", svc.got)
	}

	svc.resp = &PredictResponse{Action: []float32{1}, Intent: []float32{0}, Control: []float32{0.5}}
	out, _ = c.Predict(context.Background(), nil)
	if h, ok := out.(model.Hybrid); !ok || h.Control[0] != 0.5 {
		t.Fatalf("output=%#v want Hybrid", out)
	}

	svc.resp = &PredictResponse{}
	if _, err := c.Predict(context.Background(), nil); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err=%v want ErrEmptyResponse", err)
	}
	svc.err = errors.New("unavailable")
	if _, err := c.Predict(context.Background(), nil); err == nil {
		t.Fatalf("expected rpc error")
	}
}

func TestRoundTrip_OverBufconn(t *testing.T) {
	m, err := linear.New(linear.Config{InFeatures: 3, Steps: 1, Actions: 4, Intents: 2, ControlDim: 2, Hybrid: true, Seed: 9})
	if err != nil {
		t.Fatalf("linear: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, m)
	go srv.Serve(lis)
	defer srv.Stop()

	c, err := Dial("passthrough:///bufnet", 3, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	window := []float32{0.3, -0.2, 1}
	got, err := c.Predict(context.Background(), window)
	if err != nil {
		t.Fatalf("remote predict: %v", err)
	}
	want, _ := m.Predict(context.Background(), window)
	gh, wh := got.(model.Hybrid), want.(model.Hybrid)
	for i := range wh.Action {
		if gh.Action[i] != wh.Action[i] {
			t.Fatalf("action[%d]=%v want %v", i, gh.Action[i], wh.Action[i])
		}
	}
	if len(gh.Intent) != 2 || len(gh.Control) != 2 {
		t.Fatalf("hybrid heads lost in transit: %+v", gh)
	}

	if _, err := c.Predict(context.Background(), []float32{1}); err == nil {
		t.Fatalf("expected shape error from server")
	}
}
