// Command kiln is the thinnest possible embedding demonstration over
// pkg/storage/pkg/server/pkg/client: a "serve" subcommand that opens a
// storage instance and accepts connections, and a "ping" subcommand that
// dials a running server and round-trips a custom API call. Grounded on
// the teacher's cmd/warren/main.go cobra command tree, trimmed to the
// two operations this engine's CLI surface actually needs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/kiln/pkg/client"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/server"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/cuemby/kiln/pkg/wire"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kiln",
	Short:   "Kiln - an embedded multi-tenant document database engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kiln version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// pingHandlerName is the custom API serve registers and ping calls; it
// exists purely to exercise the wire.ApiHandler path end to end.
const pingHandlerName = "ping"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open a storage instance and accept connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		workerCount, _ := cmd.Flags().GetInt("worker-count")
		encrypted, _ := cmd.Flags().GetBool("encrypted")

		logger := log.WithComponent("kiln")

		inst, err := storage.Open(storage.Config{
			Path:        dataDir,
			WorkerCount: workerCount,
			Encrypted:   encrypted,
		})
		if err != nil {
			return fmt.Errorf("opening storage instance: %w", err)
		}
		defer inst.Close()

		srv, err := server.Serve(bindAddr, inst)
		if err != nil {
			return fmt.Errorf("starting server: %w", err)
		}

		if err := srv.RegisterAPI(pingHandlerName, func(ctx context.Context, session *types.Session, payload []byte) ([]byte, error) {
			return []byte("pong"), nil
		}); err != nil {
			return fmt.Errorf("registering ping handler: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Run(); err != nil {
				errCh <- err
			}
		}()

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()

		fmt.Printf("kiln listening on %s (metrics on %s)\n", srv.Addr(), metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		}

		return srv.Close()
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Dial a running kiln server and round-trip a custom API ping",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		c := client.Dial(addr)
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		resp, err := c.Request(ctx, nil, wire.Request{
			Kind: wire.RequestKindApi,
			Api:  &wire.ApiRequest{Name: pingHandlerName},
		})
		if err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		if resp.Kind != wire.ResponseKindApi {
			return fmt.Errorf("ping: got response kind %q, want api", resp.Kind)
		}

		fmt.Printf("%s (%s)\n", resp.Api.Bytes, time.Since(start))
		return nil
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "./kiln-data", "Storage instance directory")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:5645", "Address to accept connections on")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
	serveCmd.Flags().Int("worker-count", 0, "Background view-maintenance worker count (0 = runtime.NumCPU())")
	serveCmd.Flags().Bool("encrypted", false, "Enable AES-256-GCM page sealing")

	pingCmd.Flags().String("addr", "127.0.0.1:5645", "Server address to dial")
	pingCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}
