package main

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/GordenArcher/idempotent-proxy/admin"
	"github.com/GordenArcher/idempotent-proxy/auth"
	"github.com/GordenArcher/idempotent-proxy/cache"
	"github.com/GordenArcher/idempotent-proxy/config"
	"github.com/GordenArcher/idempotent-proxy/dispatch"
	"github.com/GordenArcher/idempotent-proxy/edge"
	"github.com/GordenArcher/idempotent-proxy/logging"
	"github.com/GordenArcher/idempotent-proxy/metrics"
	"github.com/GordenArcher/idempotent-proxy/signer"
	"github.com/GordenArcher/idempotent-proxy/state"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel)

	cacher, err := buildCacher(cfg)
	if err != nil {
		logger.Error("failed to build cache backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if closer, ok := cacher.(interface{ Close() }); ok {
		defer closer.Close()
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		logger.Error("failed to build token verifier", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st := state.New(cfg.URLVars, cfg.HeaderVars, verifier)
	st.SetPricing(uint64(cfg.ReplicaCount), cfg.ReplicaServiceFee)

	engine := dispatch.New(cacher)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		go serveMetrics(cfg.MetricsAddr, m, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tokenSigner := buildSigner(cfg); tokenSigner != nil {
		go signer.New(tokenSigner, st, cfg.ProxyTokenRefreshInterval, logger).Run(ctx)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	edgeServer := edge.New(cfg, st, engine, httpClient, m, logger)

	router := http.NewServeMux()
	router.Handle("/", edgeServer.Router())
	if cfg.AdminToken != "" {
		adminServer := admin.New(cfg, st, logger)
		router.Handle("/admin/", http.StripPrefix("/admin", adminServer.Router()))
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout + 5*time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("idempotent proxy listening", slog.String("addr", cfg.ServerAddr), slog.String("cache_backend", cfg.CacheBackend))

	var serveErr error
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		serveErr = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		serveErr = srv.ListenAndServe()
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		logger.Error("server exited", slog.String("error", serveErr.Error()))
		os.Exit(1)
	}
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", slog.String("error", err.Error()))
	}
}

func buildCacher(cfg *config.Config) (cache.Cacher, error) {
	switch cfg.CacheBackend {
	case "redis":
		return cache.NewRedis(cfg.RedisURL)
	default:
		return cache.NewMemory(), nil
	}
}

// buildVerifier wires the configured signing scheme's pub keys into a
// Verifier. A deployment with no verifying keys at all runs with
// authentication disabled (every caller is "ANON"), matching the
// reference server's own ECDSA_PUB_KEY*/ED25519_PUB_KEY* presence check.
func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	if len(cfg.ECDSAPubKeysHex) > 0 {
		keys := make([]*secp256k1.PublicKey, 0, len(cfg.ECDSAPubKeysHex))
		for _, hexKey := range cfg.ECDSAPubKeysHex {
			key, err := auth.ParseECDSAPubKeyHex(hexKey)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return auth.NewECDSAVerifier(keys), nil
	}
	if len(cfg.Ed25519PubKeysHex) > 0 {
		keys := make([]ed25519.PublicKey, 0, len(cfg.Ed25519PubKeysHex))
		for _, hexKey := range cfg.Ed25519PubKeysHex {
			key, err := auth.ParseEd25519PubKeyHex(hexKey)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return auth.NewEd25519Verifier(keys), nil
	}
	return nil, nil
}

// buildSigner constructs the proxy's own token signer when SIGNING_SCHEME
// and KEY_SERVICE_URL are both configured — used when this proxy in turn
// calls a downstream proxy and must present a bearer token of its own.
func buildSigner(cfg *config.Config) signer.TokenSigner {
	if cfg.KeyServiceURL == "" {
		return nil
	}
	keySvc := signer.NewHTTPKeyService(cfg.KeyServiceURL, nil)

	switch strings.ToLower(cfg.SigningScheme) {
	case "ecdsa":
		return signer.NewKeyServiceECDSASigner(keySvc)
	case "ed25519":
		return signer.NewKeyServiceEd25519Signer(keySvc)
	default:
		return nil
	}
}
