package main

import (
	"log"
	"net/http"
	"time"

	"transitlive/relay/internal/auth"
	"transitlive/relay/internal/bus"
	"transitlive/relay/internal/config"
	"transitlive/relay/internal/directory"
	"transitlive/relay/internal/httpapi"
	"transitlive/relay/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		log.Fatalf("initialise logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	sharedBus, err := bus.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("connect redis", logging.Error(err))
	}
	defer func() { _ = sharedBus.Close() }()

	verifier, dir, err := buildCollaborators(cfg)
	if err != nil {
		logger.Fatal("wire collaborators", logging.Error(err))
	}

	broker := NewBroker(cfg, logger, sharedBus, verifier, dir)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.ServeWS)
	httpapi.NewHandlerSet(httpapi.Options{
		Logger:     logger,
		Readiness:  broker,
		Stats:      broker.Stats,
		AdminToken: cfg.AdminToken,
	}).Register(mux)

	handler := logging.HTTPTraceMiddleware(logger)(mux)
	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("relay listening",
		logging.String("addr", cfg.Address),
		logging.Bool("tls", cfg.TLSCertPath != ""),
	)
	if cfg.TLSCertPath != "" {
		err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = server.ListenAndServe()
	}
	logger.Fatal("server stopped", logging.Error(err))
}

// buildCollaborators wires token verification and the directory lookups. The
// directory service is mandatory; the token verifier prefers the directory's
// verify endpoint and falls back to local HMAC verification when only a
// shared secret is configured.
func buildCollaborators(cfg *config.Config) (auth.TokenVerifier, auth.Directory, error) {
	client, err := directory.NewClient(cfg.DirectoryURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AuthSecret != "" {
		verifier, err := auth.NewHMACTokenVerifier(cfg.AuthSecret, 2*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return verifier, client, nil
	}
	return client, client, nil
}
