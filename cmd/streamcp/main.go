// Command streamcp runs one of the bundled MCP servers over the streamable HTTP
// transport or stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MegaGrindStone/streamable-mcp"
	"github.com/MegaGrindStone/streamable-mcp/servers/echo"
	"github.com/MegaGrindStone/streamable-mcp/servers/hello"
	"github.com/MegaGrindStone/streamable-mcp/servers/weather"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "streamcp",
	Short: "streamcp - MCP servers over a streamable HTTP transport",
	Long: `Runs one of the bundled Model Context Protocol servers. The default transport
is a single-endpoint streamable HTTP server with session multiplexing and
resumable event streams; stdio is available for subprocess deployments.`,
	SilenceUsage: true,
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Run the greeting server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv := hello.NewServer()
		return run(cmd.Context(), "hello", srv.Close,
			mcp.WithToolServer(srv),
			mcp.WithLogHandler(srv),
		)
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Run the echo server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv := echo.NewServer()
		return run(cmd.Context(), "echo", nil,
			mcp.WithToolServer(srv),
			mcp.WithResourceServer(srv),
			mcp.WithPromptServer(srv),
		)
	},
}

var weatherCmd = &cobra.Command{
	Use:   "weather",
	Short: "Run the National Weather Service server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		srv := weather.NewServer()
		return run(cmd.Context(), "weather", nil,
			mcp.WithToolServer(srv),
		)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Int("port", 8080, "port for the HTTP transport")
	flags.String("path", "/mcp", "endpoint path for the HTTP transport")
	flags.String("transport", "http", "transport to serve on (http or stdio)")
	flags.Bool("stateless", false, "run the HTTP transport without session state")
	flags.Duration("idle-timeout", 30*time.Minute, "evict sessions idle for longer than this (0 disables)")
	flags.Int("retention", 1024, "pushed messages retained per session for stream resumption")
	flags.String("log-file", "", "write logs to this file with rotation instead of stderr")
	flags.String("log-level", "info", "minimum log level (debug, info, warn, error)")

	viper.SetEnvPrefix("STREAMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(helloCmd, echoCmd, weatherCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// run serves the configured transport until the context is cancelled. The cleanup
// function, if any, closes the underlying server implementation; it runs before
// the engine shutdown so the log and update streams the engine waits on can end.
func run(ctx context.Context, name string, cleanup func(), serverOptions ...mcp.ServerOption) error {
	logger, closeLogger := newLogger()
	defer closeLogger()

	info := mcp.Info{
		Name:    fmt.Sprintf("streamcp-%s", name),
		Version: version,
	}
	serverOptions = append(serverOptions, mcp.WithServerLogger(logger))

	switch viper.GetString("transport") {
	case "http":
		return runHTTP(ctx, info, logger, cleanup, serverOptions)
	case "stdio":
		return runStdIO(ctx, info, logger, cleanup, serverOptions)
	default:
		return fmt.Errorf("unknown transport: %s", viper.GetString("transport"))
	}
}

func runHTTP(
	ctx context.Context,
	info mcp.Info,
	logger *slog.Logger,
	cleanup func(),
	serverOptions []mcp.ServerOption,
) error {
	transportOptions := []mcp.StreamableHTTPServerOption{
		mcp.WithStreamableHTTPServerLogger(logger),
		mcp.WithEventLogRetention(viper.GetInt("retention")),
		mcp.WithSessionIdleTimeout(viper.GetDuration("idle-timeout")),
	}
	if viper.GetBool("stateless") {
		transportOptions = append(transportOptions, mcp.WithStatelessMode())
	}
	transport := mcp.NewStreamableHTTPServer(transportOptions...)

	srv := mcp.NewServer(info, transport, serverOptions...)
	go srv.Serve()

	mux := http.NewServeMux()
	mux.Handle(viper.GetString("path"), transport)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", httpSrv.Addr),
			slog.String("path", viper.GetString("path")),
			slog.String("server", info.Name))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown http server", slog.String("err", err.Error()))
	}
	if cleanup != nil {
		cleanup()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func runStdIO(
	ctx context.Context,
	info mcp.Info,
	logger *slog.Logger,
	cleanup func(),
	serverOptions []mcp.ServerOption,
) error {
	transport := mcp.NewStdIO(os.Stdin, os.Stdout)

	srv := mcp.NewServer(info, transport, serverOptions...)
	go srv.Serve()

	logger.Info("serving on stdio", slog.String("server", info.Name))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cleanup != nil {
		cleanup()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func newLogger() (*slog.Logger, func()) {
	var w io.Writer = os.Stderr
	closeLogger := func() {}

	if logFile := viper.GetString("log-file"); logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		}
		w = rotated
		closeLogger = func() { _ = rotated.Close() }
	}

	var level slog.Level
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closeLogger
}
