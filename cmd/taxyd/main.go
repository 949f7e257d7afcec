// Command taxyd is the process entrypoint: it wires a keyring, a set of
// port contexts, and the listener pool together and runs the accept loop
// until terminated (§1, §5). Loading port/keyring configuration from a file
// or an admin API is out of scope (§1 Non-goals) — loadStaticConfig below is
// the seam an external config loader would replace, mirroring how the
// teacher's own cmd/caddy keeps main.go a thin wrapper around caddy.Run and
// leaves config sourcing to a separate adapter layer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oldani/taxy/keyring"
	"github.com/oldani/taxy/listener"
	"github.com/oldani/taxy/proxy"
	"github.com/oldani/taxy/taxylog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		taxylog.Log().Fatal("taxyd exited", zap.Error(err))
	}
}

func run() error {
	logger := taxylog.Log()
	defer func() { _ = logger.Sync() }()

	kr := keyring.New()

	registry := prometheus.NewRegistry()
	registry.MustRegister(proxy.Collectors()...)

	ports, err := loadStaticConfig(kr)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pool := listener.New()
	poolPorts := make([]listener.Port, len(ports))
	for i, p := range ports {
		if err := p.Setup(kr); err != nil {
			logger.Warn("port setup failed", zap.String("id", p.ID), zap.Error(err))
		}
		poolPorts[i] = p
	}
	pool.Update(poolPorts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go serveMetrics(ctx, registry, logger)

	return acceptLoop(ctx, pool, ports, logger)
}

// acceptLoop repeatedly calls pool.Select and dispatches each accepted
// connection to the owning port's StartProxy (§4.6 "select()", §4.7).
func acceptLoop(ctx context.Context, pool *listener.Pool, ports []*proxy.PortContext, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			for _, p := range ports {
				p.Reset()
			}
			return nil
		default:
		}

		idx, conn, ok := pool.Select()
		if !ok {
			continue
		}
		if idx < 0 || idx >= len(ports) {
			_ = conn.Close()
			continue
		}
		ports[idx].StartProxy(conn)
	}
}

func serveMetrics(ctx context.Context, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// loadStaticConfig builds the fixed set of port contexts this binary runs
// with. Reading this configuration from disk or an admin API is explicitly
// out of scope (§1); a real deployment replaces this function.
func loadStaticConfig(kr *keyring.Keyring) ([]*proxy.PortContext, error) {
	entry := proxy.PortEntry{
		Listen:            "/ip4/0.0.0.0/tcp/8443/tls",
		Upstreams:         []string{"/dns/localhost/tcp/8080"},
		HasTLSTermination: true,
	}
	p, err := proxy.NewPortContext(entry)
	if err != nil {
		return nil, err
	}
	return []*proxy.PortContext{p}, nil
}
