package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"minecraftfriend.ai/internal/model/remote"
	"minecraftfriend.ai/internal/persistence/indexdb"
	persistlog "minecraftfriend.ai/internal/persistence/log"
	"minecraftfriend.ai/internal/persistence/r2s3"
	"minecraftfriend.ai/internal/protocol"
	"minecraftfriend.ai/internal/serving"
	"minecraftfriend.ai/internal/transport/ws"
)

func main() {
	cfg := serving.Defaults()
	var (
		configPath = flag.String("config", "", "serve.yaml path; explicit flags override it")
		dataDir    = flag.String("data", "./data", "runtime data directory (run index, prediction logs)")
		pullKey    = flag.String("pull_bundle", "", "object key of a bundle to download from the R2 bucket before loading (or set MF_R2_MODEL_KEY)")
	)
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "http listen address")
	flag.StringVar(&cfg.ModelPath, "model_path", cfg.ModelPath, "artifact directory or bundle file")
	flag.StringVar(&cfg.RemoteModelAddr, "remote_model_addr", cfg.RemoteModelAddr, "gRPC inference service; the bundle then only supplies metadata")
	flag.StringVar(&cfg.InferenceListen, "inference_listen", cfg.InferenceListen, "serve the loaded model over gRPC on this address (empty to disable)")
	flag.Float64Var(&cfg.DefaultTemperature, "temperature", cfg.DefaultTemperature, "default sampling temperature")
	flag.Float64Var(&cfg.InertiaThreshold, "inertia_threshold", cfg.InertiaThreshold, "keep the previous action below this confidence")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "sampling seed (0 seeds from the clock)")
	flag.BoolVar(&cfg.ValidateRequests, "validate_requests", cfg.ValidateRequests, "validate request bodies against the JSON schemas")
	flag.BoolVar(&cfg.WatchArtifacts, "watch", cfg.WatchArtifacts, "reload the model when the bundle changes")
	flag.StringVar(&cfg.PredictionLogDir, "prediction_log_dir", cfg.PredictionLogDir, "prediction log directory (default: <data>/predictions; \"off\" disables)")
	flag.Parse()

	logger := log.New(os.Stdout, "[serve] ", log.LstdFlags|log.Lmicroseconds)

	if err := applyConfigFile(flag.CommandLine, *configPath, &cfg, serving.LoadConfig); err != nil {
		logger.Fatalf("%v", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signalContext()
	defer cancel()

	idx, err := indexdb.Open(indexdb.OptionsFromEnv(*dataDir, "serve", logger))
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}
	mirror, err := r2s3.MirrorFromEnv(*dataDir, logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	defer mirror.Close()

	key := strings.TrimSpace(*pullKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("MF_R2_MODEL_KEY"))
	}
	if key != "" {
		if err := pullBundle(ctx, key, cfg.ModelPath, logger); err != nil {
			logger.Printf("pull bundle key=%s: %v", key, err)
		}
	}

	opts := serving.Options{Logger: logger, Index: idx, Mirror: mirror}
	if cfg.ValidateRequests {
		v, err := protocol.NewValidator()
		if err != nil {
			logger.Fatalf("load schemas: %v", err)
		}
		opts.Validator = v
	}
	switch logDir := strings.TrimSpace(cfg.PredictionLogDir); logDir {
	case "off":
	default:
		if logDir == "" {
			logDir = filepath.Join(*dataDir, "predictions")
		}
		predLog := persistlog.NewPredictionLogger(logDir, persistlog.LoggerOptions{OnClose: func(p string) { mirror.Enqueue(p) }})
		defer predLog.Close()
		opts.PredictionLog = predLog
	}

	srv := serving.NewServer(cfg, opts)
	if err := srv.LoadInitial(); err != nil {
		logger.Printf("initial model load failed: %v", err)
	}
	wsSrv := ws.NewServer(srv, logger, opts.Validator)
	srv.AppendMetrics(wsSrv.WriteMetrics)

	mux := http.NewServeMux()
	srv.Routes(mux)
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	if envBool("MF_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (MF_ENABLE_PPROF_HTTP=false)")
	}
	if envBool("MF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/reload", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			if err := srv.Reload(); err != nil {
				http.Error(rw, err.Error(), http.StatusServiceUnavailable)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_, _ = rw.Write([]byte(`{"ok":true}` + "\n"))
		})
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return httpSrv.Shutdown(ctx2)
	})
	g.Go(func() error {
		return srv.Sessions().RunSweeper(gctx, time.Minute)
	})
	if cfg.WatchArtifacts {
		w, err := serving.NewWatcher(srv)
		if err != nil {
			logger.Printf("artifact watcher disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}
	if cfg.InferenceListen != "" {
		g.Go(func() error { return serveInference(gctx, cfg.InferenceListen, srv, logger) })
	}

	if err := g.Wait(); err != nil {
		logger.Printf("stopped: %v", err)
	}
}

// serveInference exposes the current policy's model over gRPC so other
// processes can run with -remote_model_addr pointing here.
func serveInference(ctx context.Context, addr string, srv *serving.Server, logger *log.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("inference listen: %w", err)
	}
	gs := grpc.NewServer()
	remote.Register(gs, policyModel{srv: srv})
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	logger.Printf("inference gRPC listening on %s", addr)
	return gs.Serve(lis)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// applyConfigFile loads path into dst and then re-applies every flag that
// was set explicitly on the command line, so flags win over the file.
func applyConfigFile[T any](fs *flag.FlagSet, path string, dst *T, load func(string) (T, error)) error {
	if path == "" {
		return nil
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
	loaded, err := load(path)
	if err != nil {
		return err
	}
	*dst = loaded
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("-%s: %w", name, err)
		}
	}
	return nil
}
