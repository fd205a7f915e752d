package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"minecraftfriend.ai/internal/persistence/jsonl"
	"minecraftfriend.ai/internal/protocol"
	"minecraftfriend.ai/internal/telemetry/state"
	"minecraftfriend.ai/internal/telemetry/vocab"
)

// row is the part of a telemetry line the bot sends.
type row struct {
	Timestamp json.RawMessage `json:"timestamp"`
	State     json.RawMessage `json:"state"`
	Action    state.Action    `json:"action"`
}

type tally struct {
	sent, agreed, errors int
}

var errInterrupted = errors.New("interrupted")

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8000/v1/ws", "ws url")
		agentID  = flag.String("agent", "bot", "agent id")
		input    = flag.String("input", "", "telemetry JSONL to replay (.jsonl or .jsonl.zst)")
		batch    = flag.Int("batch", 0, "send PREDICT_BATCH messages of this many rows (0 = one PREDICT per row)")
		interval = flag.Duration("interval", 0, "pause between sends")
		temp     = flag.String("temperature", "", "temperature to request (empty = server default)")
		limit    = flag.Int("limit", 0, "stop after this many rows (0 = all)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *input == "" {
		*input = flag.Arg(0)
	}
	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: bot [flags] -input <telemetry.jsonl>")
		os.Exit(2)
	}
	if *batch > protocol.MaxBatchItems {
		*batch = protocol.MaxBatchItems
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentID:         *agentID,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8, Batch: *batch > 0},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	logger.Printf("WELCOME session_id=%s agent_id=%s model_loaded=%v run_id=%s model_type=%s",
		welcome.SessionID, welcome.AgentID, welcome.Model.Loaded, welcome.Model.RunID, welcome.Model.ModelType)

	in, err := jsonl.Open(*input)
	if err != nil {
		logger.Fatalf("open input: %v", err)
	}
	defer in.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	var temperature json.RawMessage
	if *temp != "" {
		if f, err := strconv.ParseFloat(*temp, 64); err == nil {
			temperature, _ = json.Marshal(f)
		} else {
			temperature, _ = json.Marshal(*temp)
		}
	}

	var (
		t       tally
		seq     uint64
		pending []protocol.PredictMsg
		labels  []string
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		seq++
		msg := protocol.PredictBatchMsg{
			Type:            protocol.TypePredictBatch,
			ProtocolVersion: protocol.Version,
			ReqID:           fmt.Sprintf("b%d", seq),
			Items:           pending,
		}
		err := exchange(conn, msg, labels, &t, logger)
		pending, labels = pending[:0], labels[:0]
		return err
	}

	err = jsonl.Each(in, func(lineNo int, line []byte) error {
		select {
		case <-stop:
			return errInterrupted
		default:
		}
		if *limit > 0 && t.sent >= *limit {
			return errInterrupted
		}
		var r row
		if err := json.Unmarshal(line, &r); err != nil || len(r.State) == 0 {
			return nil
		}
		label := vocab.NormalizeLabel(r.Action.RawLabel(), r.Action.Metadata)
		seq++
		m := protocol.PredictMsg{
			Type:            protocol.TypePredict,
			ProtocolVersion: protocol.Version,
			Seq:             seq,
			State:           r.State,
			Timestamp:       r.Timestamp,
			Temperature:     temperature,
		}
		if *batch > 0 {
			pending = append(pending, m)
			labels = append(labels, label)
			if len(pending) >= *batch {
				if err := flush(); err != nil {
					return err
				}
			}
		} else if err := exchange(conn, m, []string{label}, &t, logger); err != nil {
			return err
		}
		if *interval > 0 {
			time.Sleep(*interval)
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil && !errors.Is(err, errInterrupted) {
		logger.Printf("stopped: %v", err)
	}
	agreement := 0.0
	if t.sent > 0 {
		agreement = float64(t.agreed) / float64(t.sent)
	}
	logger.Printf("sent=%d agreed=%d errors=%d agreement=%.4f", t.sent, t.agreed, t.errors, agreement)
}

// exchange sends one PREDICT or PREDICT_BATCH and reads its answer.
func exchange(conn *websocket.Conn, msg any, labels []string, t *tally, logger *log.Logger) error {
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	t.sent += len(labels)
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch base.Type {
	case protocol.TypePrediction:
		var p protocol.PredictionMsg
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		if p.Result != nil && p.Result.Action == labels[0] {
			t.agreed++
		}
	case protocol.TypePredictionBatch:
		var p protocol.PredictionBatchMsg
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		for i, res := range p.Results {
			if i < len(labels) && res.Action == labels[i] {
				t.agreed++
			}
		}
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		t.errors++
		logger.Printf("ERROR seq=%d code=%s message=%s fallback_action=%s", e.Seq, e.Code, e.Message, e.FallbackAction)
		if e.Code == protocol.ErrProtoVersion {
			return fmt.Errorf("server rejected protocol %s", protocol.Version)
		}
	default:
		logger.Printf("unexpected message type %s", base.Type)
	}
	return nil
}
