// =============================================================================
// RLM runtime entry point
// =============================================================================
// Usage:
//
//	rlm serve                        # start the LM router and accept completions
//	rlm serve --config config.yaml   # specify a configuration file
//	rlm complete "<prompt>"          # run one completion against a running router
//	rlm version                      # show version information
//
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rlmrun/rlm/backend"
	"github.com/rlmrun/rlm/config"
	"github.com/rlmrun/rlm/environment"
	"github.com/rlmrun/rlm/llm/circuitbreaker"
	"github.com/rlmrun/rlm/llm/retry"
	"github.com/rlmrun/rlm/router"
	"github.com/rlmrun/rlm/runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "complete":
		runComplete(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting rlm",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	root, err := buildBackend(cfg.RLM, logger)
	if err != nil {
		logger.Fatal("failed to construct root backend", zap.Error(err))
	}

	r := router.New(root, logger)
	r.RegisterOtherBackend(root)
	r.SetTimeout(cfg.RLM.RouterRequestTimeout)

	if cfg.RLM.MaxDepth > 1 {
		recursive, err := runtime.NewRecursive(runtime.RecursiveConfig{
			Depth:               0,
			MaxDepth:            cfg.RLM.MaxDepth - 1,
			ParentMaxIterations: cfg.RLM.MaxIterations,
			DefaultBackend:      root,
			NewEnvironment:      func() environment.Environment { return buildEnvironment(cfg.RLM) },
			RouterAddr:          cfg.RLM.RouterAddr,
		})
		if err != nil {
			logger.Fatal("failed to construct recursive backend", zap.Error(err))
		}
		r.RegisterByDepth(1, recursive)
		logger.Info("recursion enabled", zap.Int("max_depth", cfg.RLM.MaxDepth))
	}

	ln, err := net.Listen("tcp", cfg.RLM.RouterAddr)
	if err != nil {
		logger.Fatal("failed to bind router listener", zap.String("addr", cfg.RLM.RouterAddr), zap.Error(err))
	}
	logger.Info("router listening", zap.String("addr", cfg.RLM.RouterAddr))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adminServer := startConfigAdmin(ctx, *configPath, cfg, r, logger)
	if adminServer != nil {
		defer adminServer.Shutdown(context.Background())
	}

	go func() {
		if err := r.Serve(ctx, ln); err != nil {
			logger.Error("router serve error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("rlm stopped")
}

// startConfigAdmin wires the config package's hot-reload manager to the
// running Router (currently only RouterRequestTimeout is live-reloadable)
// and, when cfg.Server.HTTPPort is configured, exposes it over the
// package's HTTP API for inspection and manual reload/update. Returns nil
// when no config file was given, since there is nothing to watch.
func startConfigAdmin(ctx context.Context, configPath string, cfg *config.Config, r *router.Router, logger *zap.Logger) *http.Server {
	if configPath == "" {
		return nil
	}

	manager := config.NewHotReloadManager(cfg,
		config.WithConfigPath(configPath),
		config.WithHotReloadLogger(logger),
	)
	manager.OnReload(func(oldConfig, newConfig *config.Config) {
		r.SetTimeout(newConfig.RLM.RouterRequestTimeout)
		logger.Info("applied hot-reloaded config",
			zap.Duration("router_request_timeout", newConfig.RLM.RouterRequestTimeout))
	})
	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start config hot-reload watcher", zap.Error(err))
		return nil
	}

	if cfg.Server.HTTPPort <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	config.NewConfigAPIHandler(manager).RegisterRoutes(mux)
	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("config admin API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("config admin API server error", zap.Error(err))
		}
	}()
	return srv
}

func runComplete(args []string) {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: rlm complete [--config path] \"<prompt>\"")
		os.Exit(1)
	}
	prompt := fs.Arg(0)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	root, err := buildBackend(cfg.RLM, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct backend: %v\n", err)
		os.Exit(1)
	}
	env := buildEnvironment(cfg.RLM)
	defer env.Cleanup()

	env.AddContext(prompt)
	driver := runtime.New(runtime.Config{
		MaxIterations: cfg.RLM.MaxIterations,
		RouterAddr:    cfg.RLM.RouterAddr,
	}, root, env)

	completion, _, err := driver.Run(context.Background(), prompt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "completion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(completion.Response)
}

func buildBackend(cfg config.RLMConfig, logger *zap.Logger) (backend.Backend, error) {
	apiKey := os.Getenv("RLM_API_KEY")
	var inner backend.Backend
	switch cfg.DefaultBackend {
	case "", "anthropic":
		inner = backend.NewAnthropic(backend.AnthropicConfig{APIKey: apiKey}, logger)
	case "openai-compat":
		baseURL := os.Getenv("RLM_BASE_URL")
		inner = backend.NewOpenAICompat(backend.OpenAICompatConfig{APIKey: apiKey, BaseURL: baseURL}, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.DefaultBackend)
	}
	return backend.NewResilient(inner, retry.DefaultRetryPolicy(), circuitbreaker.DefaultConfig(), logger), nil
}

func buildEnvironment(cfg config.RLMConfig) environment.Environment {
	switch cfg.Environment {
	case "", "lua":
		return environment.NewLua(environment.Config{RouterAddr: cfg.RouterAddr})
	default:
		// Other variants require additional out-of-process setup (helper
		// binary path, docker socket, sandbox service URL) not carried by
		// RLMConfig alone; the CLI sticks to the in-process default.
		return environment.NewLua(environment.Config{RouterAddr: cfg.RouterAddr})
	}
}

func printVersion() {
	fmt.Printf("rlm %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`rlm - recursive language model runtime

Usage:
  rlm <command> [options]

Commands:
  serve     Start the LM router
  complete  Run one completion through the iteration driver
  version   Show version information
  help      Show this help message

Options for 'serve' and 'complete':
  --config <path>   Path to configuration file (YAML)

Examples:
  rlm serve
  rlm serve --config /etc/rlm/config.yaml
  rlm complete "summarize the attached report"`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
