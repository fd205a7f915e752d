package serving

import (
	"fmt"
	"io"
	"net/http"
)

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.WriteMetrics(rw)
}

// WriteMetrics writes the Prometheus text exposition of the server state.
func (s *Server) WriteMetrics(w io.Writer) {
	loaded := 0
	runID := ""
	if p := s.policy.Load(); p != nil {
		loaded = 1
		runID = p.Meta.RunID
	}
	fmt.Fprintf(w, "# HELP minecraftfriend_model_loaded Whether a model artifact is loaded.\n")
	fmt.Fprintf(w, "# TYPE minecraftfriend_model_loaded gauge\n")
	fmt.Fprintf(w, "minecraftfriend_model_loaded{run_id=%q} %d\n", runID, loaded)

	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP minecraftfriend_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE minecraftfriend_%s counter\n", name)
		fmt.Fprintf(w, "minecraftfriend_%s %d\n", name, v)
	}
	gauge := func(name, help string, v int) {
		fmt.Fprintf(w, "# HELP minecraftfriend_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE minecraftfriend_%s gauge\n", name)
		fmt.Fprintf(w, "minecraftfriend_%s %d\n", name, v)
	}

	counter("predict_requests_total", "Prediction requests received.", s.requests.Load())
	counter("predict_fallback_total", "Requests answered with the fallback action.", s.fallbacks.Load())
	counter("predict_bad_request_total", "Rejected request bodies.", s.badRequests.Load())
	counter("predict_errors_total", "Requests that failed inside the model path.", s.failures.Load())
	counter("predict_inertia_hold_total", "Decisions that kept the previous action.", s.inertiaHolds.Load())
	counter("predict_latency_microseconds_total", "Summed prediction latency.", s.latencyMicros.Load())
	counter("model_reload_total", "Successful model loads.", s.reloads.Load())
	counter("model_reload_fail_total", "Failed model loads.", s.reloadFails.Load())
	counter("prediction_log_write_fail_total", "Failed prediction log writes.", s.logWriteFails.Load())

	st := s.predictor.sessions.Stats()
	gauge("sessions", "Tracked agent sessions.", st.Sessions)
	counter("sessions_created_total", "Agent sessions created.", st.Created)
	fmt.Fprintf(w, "# HELP minecraftfriend_sessions_evicted_total Agent sessions evicted.\n")
	fmt.Fprintf(w, "# TYPE minecraftfriend_sessions_evicted_total counter\n")
	fmt.Fprintf(w, "minecraftfriend_sessions_evicted_total{reason=%q} %d\n", "ttl", st.EvictedTTL)
	fmt.Fprintf(w, "minecraftfriend_sessions_evicted_total{reason=%q} %d\n", "lru", st.EvictedLRU)
	counter("session_sweeps_total", "Expiry sweeps run.", st.SweepsTotal)

	if s.opts.Index != nil {
		q := s.opts.Index.Stats()
		gauge("index_queue_depth", "Run index queue depth.", q.QueueDepth)
		gauge("index_queue_capacity", "Run index queue capacity.", q.QueueCapacity)
		counter("index_dropped_predictions_total", "Predictions dropped because the index queue was full.", q.DropPredictionTotal)
		counter("index_flush_fail_total", "Failed index commits or flushes.", q.FlushFailTotal)
	}
	if s.opts.Mirror != nil {
		m := s.opts.Mirror.Stats()
		gauge("mirror_queue_depth", "Current mirror queue depth.", m.QueueDepth)
		counter("mirror_dropped_total", "Files dropped because the mirror queue remained saturated.", m.DroppedTotal)
		counter("mirror_upload_success_total", "Successful mirror uploads.", m.UploadSuccessTotal)
		counter("mirror_upload_fail_total", "Failed mirror uploads after retry.", m.UploadFailTotal)
		gauge("mirror_last_success_unix", "Unix time of the last successful upload.", int(m.LastSuccessUnix))
	}
	for _, fn := range s.extra {
		fn(w)
	}
}
