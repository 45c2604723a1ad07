package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"wsclient/adapters/coder"
	"wsclient/adapters/gorilla"
	"wsclient/client"
	"wsclient/config"
	"wsclient/protocol"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration (parses flags, env vars and config file)
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	// stdout carries received messages
	logger := protocol.InitLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	token, err := cfg.LoadToken()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load token")
		return 2
	}

	opts := protocol.SocketOptions{
		Header:           http.Header{},
		Subprotocols:     cfg.Subprotocols,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CloseTimeout:     cfg.CloseTimeout,
	}
	if token != "" {
		opts.Header.Set("Authorization", "Bearer "+token)
		checkToken(token, logger)
	}

	c := client.New(client.Options{
		Socket:            newSocket(cfg.Engine, opts),
		Logger:            &logger,
		Metrics:           client.NewMetrics(nil),
		ReceiveBufferSize: cfg.ReceiveBufferSize,
		MaxMessageSize:    cfg.MaxMessageSize,
	})
	defer c.Dispose()

	logger.Info().
		Str("connID", c.ID()).
		Str("engine", cfg.Engine).
		Strs("subprotocols", cfg.Subprotocols).
		Dur("handshakeTimeout", cfg.HandshakeTimeout).
		Dur("closeTimeout", cfg.CloseTimeout).
		Int64("maxMessageSize", cfg.MaxMessageSize).
		Msg("Client starting")

	var opened atomic.Bool
	var closeOnce sync.Once
	closed := make(chan struct{})

	c.OnOpen(func() {
		opened.Store(true)
	})
	c.OnMessage(func(messageType protocol.MessageType, payload []byte) {
		if messageType == protocol.MessageClose {
			return
		}
		fmt.Fprintln(os.Stdout, formatMessage(messageType, payload))
	})
	c.OnClose(func(status protocol.CloseStatus, reason string) {
		logger.Info().Str("status", status.String()).Str("reason", reason).Msg("Server connection closed")
		closeOnce.Do(func() { close(closed) })
	})

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsServer = startMetricsServer(cfg.MetricsPort, c, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Open(ctx, cfg.URL)
	if !opened.Load() {
		logger.Error().Str("url", cfg.URL).Msg("Connection was not opened")
		return 1
	}

	if cfg.StatsInterval > 0 {
		go logStatsLoop(c, cfg.StatsInterval, logger)
	}

	lines := readLines(os.Stdin)
	for running := true; running; {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Received signal, closing connection")
			running = false
		case <-closed:
			running = false
		case <-c.Done():
			running = false
		case line, ok := <-lines:
			if !ok {
				logger.Info().Msg("End of input, closing connection")
				running = false
				break
			}
			if cfg.Binary {
				c.Send(ctx, []byte(line))
			} else {
				c.SendText(ctx, line)
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout+time.Second)
	defer cancel()
	c.Close(closeCtx, protocol.CloseNormalClosure, "client shutting down")
	c.Dispose()

	if metricsServer != nil {
		metricsServer.Shutdown(closeCtx)
	}

	logger.Info().Msg("Client stopped")
	return 0
}

func newSocket(engine string, opts protocol.SocketOptions) protocol.Socket {
	if engine == "coder" {
		return coder.New(opts)
	}
	return gorilla.New(opts)
}

// checkToken logs the bearer token's claims and warns if it has expired
func checkToken(token string, logger zerolog.Logger) {
	info, err := config.InspectToken(token)
	if err != nil {
		logger.Debug().Err(err).Msg("Token is not a JWT, skipping inspection")
		return
	}
	if info.Expired(time.Now()) {
		logger.Warn().Time("expiresAt", info.ExpiresAt).Str("subject", info.Subject).Msg("Token has expired, server will likely reject it")
		return
	}
	logger.Debug().Time("expiresAt", info.ExpiresAt).Str("subject", info.Subject).Msg("Token loaded")
}

// readLines streams stdin lines; the channel is closed at EOF
func readLines(in *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func startMetricsServer(port int, c *client.Client, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler(c, time.Now()))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}
	go func() {
		logger.Info().Int("port", port).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return srv
}

// logStatsLoop periodically logs connection statistics
func logStatsLoop(c *client.Client, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
		}

		stats := c.Stats()
		logger.Info().
			Str("state", c.State().String()).
			Interface("messagesSent", stats.MessagesSent).
			Interface("messagesReceived", stats.MessagesReceived).
			Int64("bytesSent", stats.BytesSent).
			Int64("bytesReceived", stats.BytesReceived).
			Int64("errors", stats.Errors).
			Int64("uptimeSeconds", stats.ConnectionUptimeSeconds).
			Msg("Connection stats")
	}
}
