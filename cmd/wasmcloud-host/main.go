// Command wasmcloud-host is the process entrypoint for spec §4.13: it reads
// the environment, dials the lattice's NATS connection, opens the two
// JetStream KV buckets, assembles a host.Host, and runs it until an OS
// signal requests shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattice-run/wasmhost/internal/artifact"
	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/host"
	"github.com/lattice-run/wasmhost/internal/kv"
	"github.com/lattice-run/wasmhost/internal/logging"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// ShutdownTimeout bounds how long the process waits for Host.Shutdown to
// finish draining components and providers before the process exits anyway.
const ShutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:     "wasmcloud-host",
		Short:   "Runs a wasmCloud-style lattice host",
		Long:    "wasmcloud-host starts a host process that schedules WebAssembly components and capability providers on a NATS-connected lattice.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runHost,
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// envConfig is every spec §6 environment variable this command reads,
// parsed once up front so run's body is just wiring.
type envConfig struct {
	NatsURL string

	HostSeed       string
	ClusterSeed    string
	ClusterIssuers []string
	Lattice        string
	JSDomain       string

	OCIAllowLatest      bool
	OCIAllowedInsecure  []string
	RPCTimeoutMs        int
	PolicyTopic         string
	PolicyTimeoutMs     int
	PolicyChangesTopic  string
	SecretsTopic        string
	MaxExecutionTimeMs  int
	EnableStructuredLog bool
	LogLevel            string
	Labels              map[string]string
}

func loadEnvConfig() envConfig {
	cfg := envConfig{
		NatsURL:             getEnvDefault("NATS_URL", nats_DefaultURL),
		HostSeed:            os.Getenv("HOST_SEED"),
		ClusterSeed:         os.Getenv("CLUSTER_SEED"),
		Lattice:             getEnvDefault("LATTICE", "default"),
		JSDomain:            os.Getenv("JS_DOMAIN"),
		OCIAllowLatest:      os.Getenv("OCI_ALLOW_LATEST") == "true",
		RPCTimeoutMs:        getEnvInt("RPC_TIMEOUT_MS", 2000),
		PolicyTopic:         os.Getenv("POLICY_TOPIC"),
		PolicyTimeoutMs:     getEnvInt("POLICY_TIMEOUT_MS", 1000),
		PolicyChangesTopic:  os.Getenv("POLICY_CHANGES_TOPIC"),
		SecretsTopic:        os.Getenv("SECRETS_TOPIC"),
		MaxExecutionTimeMs:  getEnvInt("MAX_EXECUTION_TIME_MS", 600000),
		EnableStructuredLog: os.Getenv("ENABLE_STRUCTURED_LOGGING") == "true",
		LogLevel:            getEnvDefault("LOG_LEVEL", "info"),
		Labels:              map[string]string{},
	}
	if v := os.Getenv("CLUSTER_ISSUERS"); v != "" {
		cfg.ClusterIssuers = strings.Split(v, ",")
	}
	if v := os.Getenv("OCI_ALLOWED_INSECURE"); v != "" {
		cfg.OCIAllowedInsecure = strings.Split(v, ",")
	}
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "LABEL_") {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(e, "LABEL_"), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			cfg.Labels[strings.ToLower(kv[0])] = kv[1]
		}
	}
	return cfg
}

const nats_DefaultURL = "nats://127.0.0.1:4222"

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func runHost(cmd *cobra.Command, args []string) error {
	env := loadEnvConfig()
	log := logging.New(logging.Config{Structured: env.EnableStructuredLog, Level: env.LogLevel})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	bus, err := broker.DialNats(env.NatsURL)
	if err != nil {
		return fmt.Errorf("wasmcloud-host: dial nats: %w", err)
	}

	dataStore, err := kv.OpenBucketInDomain(ctx, bus.Conn(), fmt.Sprintf("LATTICEDATA_%s", env.Lattice), env.JSDomain)
	if err != nil {
		return fmt.Errorf("wasmcloud-host: open lattice data bucket: %w", err)
	}
	configStore, err := kv.OpenBucketInDomain(ctx, bus.Conn(), fmt.Sprintf("CONFIGDATA_%s", env.Lattice), env.JSDomain)
	if err != nil {
		return fmt.Errorf("wasmcloud-host: open config data bucket: %w", err)
	}

	h, err := host.New(ctx, host.Config{
		Bus:             bus,
		Lattice:         env.Lattice,
		Version:         version,
		Labels:          env.Labels,
		HostSeed:        env.HostSeed,
		DataStore:       dataStore,
		ConfigStore:     configStore,
		AcceptedIssuers: env.ClusterIssuers,
		AcquireTimeout:  time.Duration(env.RPCTimeoutMs) * time.Millisecond,
		ArtifactConfig: artifact.Config{
			AllowLatest:   env.OCIAllowLatest,
			AllowInsecure: len(env.OCIAllowedInsecure) > 0,
		},
		PolicyTopic:        env.PolicyTopic,
		PolicyTimeout:      time.Duration(env.PolicyTimeoutMs) * time.Millisecond,
		PolicyChangesTopic: env.PolicyChangesTopic,
		SecretsTopic:       env.SecretsTopic,
		Log:                log,
	})
	if err != nil {
		return fmt.Errorf("wasmcloud-host: %w", err)
	}

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("wasmcloud-host: %w", err)
	}
	log.Info("host started", "host_id", h.HostID(), "lattice", env.Lattice)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown requested", "host_id", h.HostID())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("wasmcloud-host: shutdown: %w", err)
	}
	return nil
}
