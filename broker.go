package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"transitlive/relay/internal/auth"
	"transitlive/relay/internal/bus"
	"transitlive/relay/internal/config"
	"transitlive/relay/internal/httpapi"
	"transitlive/relay/internal/logging"
	"transitlive/relay/internal/registry"
	"transitlive/relay/internal/relay"
	"transitlive/relay/internal/store"
)

// Broker ties the per-connection protocol handlers to the shared registry,
// the bus-backed stores and the per-process relay listener.
type Broker struct {
	cfg *config.Config
	log *logging.Logger
	bus bus.Bus

	registry   *registry.Registry
	relay      *relay.Listener
	sharing    *store.Sharing
	history    *store.History
	verifier   auth.TokenVerifier
	directory  auth.Directory
	authorizer *auth.Authorizer

	upgrader websocket.Upgrader
	baseCtx  context.Context
	started  time.Time

	broadcasts atomic.Int64
}

// BrokerOption customises broker construction.
type BrokerOption func(*Broker)

// WithBaseContext sets the context governing the relay listener's lifetime.
// Production leaves it as context.Background; tests cancel it.
func WithBaseContext(ctx context.Context) BrokerOption {
	return func(b *Broker) {
		if ctx != nil {
			b.baseCtx = ctx
		}
	}
}

// NewBroker wires a broker from its collaborators.
func NewBroker(cfg *config.Config, log *logging.Logger, b bus.Bus, verifier auth.TokenVerifier, directory auth.Directory, opts ...BrokerOption) *Broker {
	if log == nil {
		log = logging.L()
	}
	reg := registry.New()
	sharing := store.NewSharing(b, cfg.SharingTTL)
	broker := &Broker{
		cfg:        cfg,
		log:        log,
		bus:        b,
		registry:   reg,
		relay:      relay.NewListener(b, reg, log, cfg.RelayPoll),
		sharing:    sharing,
		history:    store.NewHistory(b, cfg.HistoryTTL, cfg.HistoryMax),
		verifier:   verifier,
		directory:  directory,
		authorizer: auth.NewAuthorizer(directory, sharing),
		baseCtx:    context.Background(),
		started:    time.Now(),
	}
	broker.upgrader = websocket.Upgrader{
		CheckOrigin: broker.originAllowed,
	}
	for _, opt := range opts {
		opt(broker)
	}
	return broker
}

// originAllowed admits any origin when no allowlist is configured, matching
// native apps that send no Origin header at all.
func (b *Broker) originAllowed(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the connection's read loop until the
// peer goes away or a fatal protocol event closes it.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	if b.cfg.MaxClients > 0 {
		if clients, _ := b.registry.Counts(); clients >= b.cfg.MaxClients {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	c := newClient(conn, b.log)
	conn.SetReadLimit(b.cfg.MaxPayloadBytes)

	b.registry.Register(c)
	//1.- The first accepted connection starts the per-process bus listener.
	b.relay.EnsureStarted(b.baseCtx)

	go c.writePump(b.cfg.PingInterval)
	b.readLoop(c)
}

// readLoop is the connection's only reader. Any fault while servicing one
// message tears down this connection alone.
func (b *Broker) readLoop(c *client) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.log.Error("connection handler panic", logging.String("conn_id", c.ID()))
			b.registry.Unregister(c)
			c.shutdown(websocket.CloseInternalServerErr)
			return
		}
		b.registry.Unregister(c)
		c.shutdown(websocket.CloseNormalClosure)
	}()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			_ = c.Deliver(errBadRequest("Unable to read message text", ""))
			continue
		}
		if closed := b.handleMessage(c, raw); closed {
			return
		}
	}
}

// Stats snapshots the counters exposed by the operational HTTP surface.
func (b *Broker) Stats() httpapi.Stats {
	clients, subscriptions := b.registry.Counts()
	return httpapi.Stats{
		Clients:       clients,
		Subscriptions: subscriptions,
		Broadcasts:    b.broadcasts.Load(),
		Relayed:       b.relay.Relayed(),
	}
}

// BusHealthy implements httpapi.ReadinessProvider.
func (b *Broker) BusHealthy() error {
	ctx, cancel := context.WithTimeout(b.baseCtx, 2*time.Second)
	defer cancel()
	return b.bus.Ping(ctx)
}

// RelayRunning implements httpapi.ReadinessProvider.
func (b *Broker) RelayRunning() bool { return b.relay.Running() }

// Uptime implements httpapi.ReadinessProvider.
func (b *Broker) Uptime() time.Duration { return time.Since(b.started) }
