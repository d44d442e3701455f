// Package main is the prompt-gateway command.
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/compresr/prompt-gateway/internal/config"
	"github.com/compresr/prompt-gateway/internal/gateway"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

const shutdownTimeout = 30 * time.Second

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		opts, err := parseServeFlags(args)
		if errors.Is(err, errHelp) {
			printHelp()
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := runServe(opts); err != nil {
			log.Error().Err(err).Msg("gateway exited")
			os.Exit(1)
		}
	case "check":
		os.Exit(runCheck(args))
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
}

var errHelp = errors.New("help requested")

type serveOptions struct {
	configPath string
	port       int
	debug      bool
}

func parseServeFlags(args []string) (serveOptions, error) {
	opts := serveOptions{configPath: os.Getenv("PROMPT_GATEWAY_CONFIG")}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			return opts, errHelp
		case "-d", "--debug":
			opts.debug = true
		case "-c", "--config":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", args[i])
			}
			i++
			opts.configPath = args[i]
		case "-p", "--port":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", args[i])
			}
			i++
			port, err := strconv.Atoi(args[i])
			if err != nil || port <= 0 || port > 65535 {
				return opts, fmt.Errorf("invalid port '%s'", args[i])
			}
			opts.port = port
		default:
			return opts, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	return opts, nil
}

func runServe(opts serveOptions) error {
	loadEnvFiles()

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config '%s': %w", opts.configPath, err)
		}
		cfg = loaded
	} else {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.debug {
		cfg.Monitoring.LogLevel = "debug"
	}

	closeLog, err := setupLogging(cfg.Monitoring)
	if err != nil {
		return err
	}
	defer closeLog()

	if isPortInUse(cfg.Server.Port) {
		return fmt.Errorf("port %d is already in use", cfg.Server.Port)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loadEnvFiles loads .env from the working directory, then from the user
// config directory. Existing variables are never overridden.
func loadEnvFiles() {
	candidates := []string{".env"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "prompt-gateway", ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", path, err)
		}
	}
}

// setupLogging configures the global zerolog logger. The returned func closes
// the log file, if one was opened.
func setupLogging(cfg config.MonitoringConfig) (func(), error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	closeFn := func() {}
	var out *os.File
	switch strings.ToLower(cfg.LogOutput) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		// #nosec G304 -- log path comes from operator config
		f, err := os.OpenFile(cfg.LogOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return closeFn, fmt.Errorf("open log output: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	if strings.EqualFold(cfg.LogFormat, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	// net/http server errors go through the standard logger.
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
	return closeFn, nil
}

func printVersion() {
	fmt.Printf("prompt-gateway %s\n", Version)
	fmt.Printf("Runtime: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printHelp() {
	fmt.Println("Prompt Gateway - capture and version LLM prompts in flight")
	fmt.Println()
	fmt.Println("Usage: prompt-gateway [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Run the gateway (default)")
	fmt.Println("  check      Query a running gateway's /health and /stats")
	fmt.Println("  version    Print the version")
	fmt.Println("  help       Show this help")
	fmt.Println()
	fmt.Println("Serve options:")
	fmt.Println("  -c, --config FILE    YAML config (default: built-in defaults, $PROMPT_GATEWAY_CONFIG)")
	fmt.Println("  -p, --port PORT      Listen port (default: 18080)")
	fmt.Println("  -d, --debug          Enable debug logging")
	fmt.Println()
	fmt.Println("Check options:")
	fmt.Println("  -p, --port PORT      Gateway port (default: 18080)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  prompt-gateway serve -c configs/gateway.yaml")
	fmt.Println("  prompt-gateway check -p 18080")
}
