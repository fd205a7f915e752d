package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/runs.sqlite)")
	runID := fs.String("run", "", "run id (epochs, clean_stats; defaults to the latest matching run)")
	agentID := fs.String("agent", "", "agent_id filter (predictions, actions)")
	kind := fs.String("kind", "", "kind filter (runs): clean|train")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "runs.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "epochs", "clean_stats":
		if strings.TrimSpace(*runID) == "" {
			k := "train"
			if q == "clean_stats" {
				k = "clean"
			}
			id, err := latestRunID(db, k)
			if err != nil {
				fmt.Fprintln(os.Stderr, "latest run:", err)
				os.Exit(1)
			}
			if id == "" {
				fmt.Fprintf(os.Stderr, "no %s runs found\n", k)
				os.Exit(2)
			}
			*runID = id
		}
	}

	switch q {
	case "runs":
		query := `SELECT run_id,kind,status,started_at,finished_at,input,output,records,COALESCE(error,'') FROM runs ORDER BY started_at DESC LIMIT ?`
		qargs := []any{*limit}
		if k := strings.TrimSpace(*kind); k != "" {
			query = `SELECT run_id,kind,status,started_at,finished_at,input,output,records,COALESCE(error,'') FROM runs WHERE kind=? ORDER BY started_at DESC LIMIT ?`
			qargs = []any{k, *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RunID      string `json:"run_id"`
				Kind       string `json:"kind"`
				Status     string `json:"status"`
				StartedAt  string `json:"started_at"`
				FinishedAt string `json:"finished_at,omitempty"`
				Input      string `json:"input"`
				Output     string `json:"output"`
				Records    int64  `json:"records"`
				Error      string `json:"error,omitempty"`
			}
			if err := rows.Scan(&r.RunID, &r.Kind, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Input, &r.Output, &r.Records, &r.Error); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "config":
		if strings.TrimSpace(*runID) == "" {
			fmt.Fprintln(os.Stderr, "missing -run")
			os.Exit(2)
		}
		var cfg sql.NullString
		if err := db.QueryRow(`SELECT config_json FROM runs WHERE run_id=?`, *runID).Scan(&cfg); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		fmt.Println(cfg.String)

	case "epochs":
		rows, err := db.Query(`SELECT epoch,train_loss,val_loss,train_acc,val_acc,lr,grad_norm_mean,skipped_batches FROM epochs WHERE run_id=? ORDER BY epoch`, *runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RunID        string  `json:"run_id"`
				Epoch        int     `json:"epoch"`
				TrainLoss    float64 `json:"train_loss"`
				ValLoss      float64 `json:"val_loss"`
				TrainAcc     float64 `json:"train_acc"`
				ValAcc       float64 `json:"val_acc"`
				LR           float64 `json:"lr"`
				GradNormMean float64 `json:"grad_norm_mean"`
				Skipped      int     `json:"skipped_batches"`
			}
			if err := rows.Scan(&r.Epoch, &r.TrainLoss, &r.ValLoss, &r.TrainAcc, &r.ValAcc, &r.LR, &r.GradNormMean, &r.Skipped); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.RunID = *runID
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "clean_stats":
		rows, err := db.Query(`SELECT reason,count FROM clean_stats WHERE run_id=? ORDER BY count DESC, reason`, *runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RunID  string `json:"run_id"`
				Reason string `json:"reason"`
				Count  int64  `json:"count"`
			}
			if err := rows.Scan(&r.Reason, &r.Count); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.RunID = *runID
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "predictions":
		query := `SELECT ts,agent_id,run_id,action,selected_action,confidence,temperature,inertia_hold,latency_us FROM predictions ORDER BY id DESC LIMIT ?`
		qargs := []any{*limit}
		if a := strings.TrimSpace(*agentID); a != "" {
			query = `SELECT ts,agent_id,run_id,action,selected_action,confidence,temperature,inertia_hold,latency_us FROM predictions WHERE agent_id=? ORDER BY id DESC LIMIT ?`
			qargs = []any{a, *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Time        string  `json:"ts"`
				AgentID     string  `json:"agent_id"`
				RunID       string  `json:"run_id"`
				Action      string  `json:"action"`
				Selected    string  `json:"selected_action"`
				Confidence  float64 `json:"confidence"`
				Temperature float64 `json:"temperature"`
				InertiaHold bool    `json:"inertia_hold"`
				LatencyUS   int64   `json:"latency_us"`
			}
			if err := rows.Scan(&r.Time, &r.AgentID, &r.RunID, &r.Action, &r.Selected, &r.Confidence, &r.Temperature, &r.InertiaHold, &r.LatencyUS); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "actions":
		query := `SELECT action,COUNT(*),AVG(confidence),SUM(inertia_hold) FROM predictions GROUP BY action ORDER BY COUNT(*) DESC`
		var qargs []any
		if a := strings.TrimSpace(*agentID); a != "" {
			query = `SELECT action,COUNT(*),AVG(confidence),SUM(inertia_hold) FROM predictions WHERE agent_id=? GROUP BY action ORDER BY COUNT(*) DESC`
			qargs = []any{a}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Action         string  `json:"action"`
				Count          int64   `json:"count"`
				MeanConfidence float64 `json:"mean_confidence"`
				InertiaHolds   int64   `json:"inertia_holds"`
			}
			if err := rows.Scan(&r.Action, &r.Count, &r.MeanConfidence, &r.InertiaHolds); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-run ID] [-agent ID] [-kind clean|train] runs|config|epochs|clean_stats|predictions|actions")
		os.Exit(2)
	}
}

func latestRunID(db *sql.DB, kind string) (string, error) {
	if db == nil {
		return "", fmt.Errorf("nil db")
	}
	var id string
	err := db.QueryRow(`SELECT run_id FROM runs WHERE kind=? ORDER BY started_at DESC LIMIT 1`, kind).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
