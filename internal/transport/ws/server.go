package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"minecraftfriend.ai/internal/protocol"
	"minecraftfriend.ai/internal/serving"
)

// Server streams predictions over /v1/ws. A connection says HELLO once and
// then sends PREDICT or PREDICT_BATCH messages for the agent it named; each
// is answered in order on the same connection.
type Server struct {
	srv       *serving.Server
	log       *log.Logger
	validator *protocol.Validator

	upgrader websocket.Upgrader

	connections atomic.Int64
	accepted    atomic.Uint64
	messages    atomic.Uint64
	errorsSent  atomic.Uint64
}

func NewServer(srv *serving.Server, logger *log.Logger, v *protocol.Validator) *Server {
	return &Server{
		srv:       srv,
		log:       logger,
		validator: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type session struct {
	id      string
	agentID string
	out     chan []byte
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.connections.Add(1)
		s.accepted.Add(1)
		defer s.connections.Add(-1)
		s.printf("ws session=%s agent_id=%s connected from %s", sess.id, sess.agentID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.messages.Add(1)
			if !s.dispatch(ctx, sess, msg) {
				break
			}
		}
		cancel()
		<-writerDone
		s.printf("ws session=%s agent_id=%s closed", sess.id, sess.agentID)
	}
}

// dispatch answers one client message. It returns false once the
// connection is no longer writable.
func (s *Server) dispatch(ctx context.Context, sess *session, msg []byte) bool {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return s.sendError(ctx, sess, 0, protocol.ErrProtoBadRequest, "invalid json", "")
	}
	if base.ProtocolVersion != protocol.Version {
		return s.sendError(ctx, sess, 0, protocol.ErrProtoVersion, fmt.Sprintf("unsupported protocol_version %q", base.ProtocolVersion), "")
	}

	switch base.Type {
	case protocol.TypePredict:
		if err := s.validate(protocol.SchemaPredict, msg); err != nil {
			return s.sendError(ctx, sess, 0, protocol.ErrBadRequest, err.Error(), "")
		}
		var m protocol.PredictMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return s.sendError(ctx, sess, 0, protocol.ErrBadRequest, err.Error(), "")
		}
		d, err := s.srv.Handle(ctx, m.Request(sess.agentID))
		if err != nil {
			code, fallback := errorCode(err)
			return s.sendError(ctx, sess, m.Seq, code, s.errorMessage(err), fallback)
		}
		res := d.Response
		return s.send(ctx, sess, protocol.PredictionMsg{
			Type:            protocol.TypePrediction,
			ProtocolVersion: protocol.Version,
			Seq:             m.Seq,
			Result:          &res,
		})

	case protocol.TypePredictBatch:
		var m protocol.PredictBatchMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return s.sendError(ctx, sess, 0, protocol.ErrBadRequest, err.Error(), "")
		}
		if len(m.Items) > protocol.MaxBatchItems {
			return s.sendError(ctx, sess, 0, protocol.ErrTooLarge,
				fmt.Sprintf("batch of %d items exceeds %d", len(m.Items), protocol.MaxBatchItems), "")
		}
		if err := s.validate(protocol.SchemaPredictBatch, msg); err != nil {
			return s.sendError(ctx, sess, 0, protocol.ErrBadRequest, err.Error(), "")
		}
		results := make([]protocol.PredictResponse, 0, len(m.Items))
		for _, item := range m.Items {
			d, err := s.srv.Handle(ctx, item.Request(sess.agentID))
			if err != nil {
				code, fallback := errorCode(err)
				return s.sendError(ctx, sess, item.Seq, code, s.errorMessage(err), fallback)
			}
			results = append(results, d.Response)
		}
		return s.send(ctx, sess, protocol.PredictionBatchMsg{
			Type:            protocol.TypePredictionBatch,
			ProtocolVersion: protocol.Version,
			ReqID:           m.ReqID,
			Results:         results,
		})

	default:
		return s.sendError(ctx, sess, 0, protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected message type %q", base.Type), "")
	}
}

func errorCode(err error) (code, fallback string) {
	switch {
	case errors.Is(err, serving.ErrNoPolicy):
		return protocol.ErrNoModel, serving.FallbackAction
	case serving.IsBadRequest(err):
		return protocol.ErrBadRequest, ""
	default:
		return protocol.ErrInternal, serving.FallbackAction
	}
}

func (s *Server) errorMessage(err error) string {
	if errors.Is(err, serving.ErrNoPolicy) {
		return s.srv.Fallback().Error
	}
	return err.Error()
}

func (s *Server) validate(schema string, msg []byte) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.Validate(schema, msg)
}

func (s *Server) sendError(ctx context.Context, sess *session, seq uint64, code, message, fallback string) bool {
	s.errorsSent.Add(1)
	return s.send(ctx, sess, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		Code:            code,
		Message:         message,
		FallbackAction:  fallback,
	})
}

// send queues v for the writer. A full queue blocks the reader, which is
// the backpressure a client sees for sending faster than it reads.
func (s *Server) send(ctx context.Context, sess *session, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		s.printf("ws session=%s marshal: %v", sess.id, err)
		return false
	}
	select {
	case sess.out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	if err := s.validate(protocol.SchemaHello, msg); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid HELLO"), time.Now().Add(time.Second))
		return nil
	}

	agentID := strings.TrimSpace(hello.AgentID)
	if agentID == "" {
		agentID = strings.TrimSpace(hello.AgentName)
	}
	if agentID == "" {
		agentID = serving.DefaultAgentID
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}

	sess := &session{id: uuid.NewString(), agentID: agentID, out: make(chan []byte, maxQ)}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		AgentID:         agentID,
		Model:           s.modelInfo(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

func (s *Server) modelInfo() protocol.ModelInfo {
	p := s.srv.Policy()
	if p == nil {
		return protocol.ModelInfo{}
	}
	return protocol.ModelInfo{
		Loaded:          true,
		RunID:           p.Meta.RunID,
		ModelType:       p.Meta.ModelType,
		SequenceLength:  p.Steps(),
		HybridEnabled:   p.Meta.HybridEnabled,
		EncodingVersion: p.Meta.EncodingVersion,
	}
}

// WriteMetrics appends the websocket series to a Prometheus text page.
func (s *Server) WriteMetrics(w io.Writer) {
	fmt.Fprintf(w, "# HELP minecraftfriend_ws_connections Open websocket sessions.\n")
	fmt.Fprintf(w, "# TYPE minecraftfriend_ws_connections gauge\n")
	fmt.Fprintf(w, "minecraftfriend_ws_connections %d\n", s.connections.Load())
	fmt.Fprintf(w, "# HELP minecraftfriend_ws_sessions_total Websocket sessions accepted.\n")
	fmt.Fprintf(w, "# TYPE minecraftfriend_ws_sessions_total counter\n")
	fmt.Fprintf(w, "minecraftfriend_ws_sessions_total %d\n", s.accepted.Load())
	fmt.Fprintf(w, "# HELP minecraftfriend_ws_messages_total Websocket messages received after HELLO.\n")
	fmt.Fprintf(w, "# TYPE minecraftfriend_ws_messages_total counter\n")
	fmt.Fprintf(w, "minecraftfriend_ws_messages_total %d\n", s.messages.Load())
	fmt.Fprintf(w, "# HELP minecraftfriend_ws_errors_total ERROR messages sent.\n")
	fmt.Fprintf(w, "# TYPE minecraftfriend_ws_errors_total counter\n")
	fmt.Fprintf(w, "minecraftfriend_ws_errors_total %d\n", s.errorsSent.Load())
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
