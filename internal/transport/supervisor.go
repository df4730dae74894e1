package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/maumercado/taskrun-dispatcher/internal/dispatch"
	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/metrics"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/registry"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
	"github.com/maumercado/taskrun-dispatcher/internal/store"
	"github.com/maumercado/taskrun-dispatcher/internal/trace"
)

// Supervisor accepts worker connections and gives each one its own
// Dispatcher and CompletionHandler pair. Unlike a broadcast hub that fans one
// event out to every connected client (many-to-many pub/sub), a dispatcher
// connection is 1-to-1 and stateful per worker, so there is nothing to
// broadcast and no shared client registry to protect with a run loop — only
// the register/unregister bookkeeping survives, repointed at active
// *Connection tracking for graceful shutdown and the active-connections
// gauge.
type Supervisor struct {
	store       store.Store
	queueClient queue.Client
	tracer      trace.Recorder
	cfg         dispatch.Config
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewSupervisor builds a Supervisor sharing the given backends across every
// connection it accepts; each connection still gets its own Dispatcher
// instance, matching the one-per-connection design the dispatch package
// requires.
func NewSupervisor(st store.Store, q queue.Client, tr trace.Recorder, cfg dispatch.Config) *Supervisor {
	return &Supervisor{
		store:       st,
		queueClient: q,
		tracer:      tr,
		cfg:         cfg,
		conns:       make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request to a websocket and runs the connection to
// completion in a new goroutine. env must already be resolved by the auth
// middleware before this is called.
func (s *Supervisor) ServeWS(w http.ResponseWriter, r *http.Request, env runs.AuthenticatedEnvironment) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("transport: failed to upgrade websocket connection")
		return
	}

	reg := registry.New(s.store)
	d := dispatch.New(env, s.queueClient, s.store, reg, s.tracer, nil, s.cfg)
	ch := dispatch.NewCompletionHandler(d)

	c := NewConnection(conn, env, d, ch, s.queueClient)
	d.SetSender(c)

	s.register(c)
	logger.WithEnvironment(env.ID).Info().Str("connection_id", c.id).Str("remote_addr", r.RemoteAddr).Msg("transport: worker connected")

	go func() {
		c.Run()
		d.Stop()
		s.unregister(c)
		logger.WithEnvironment(env.ID).Info().Str("connection_id", c.id).Msg("transport: worker disconnected")
	}()
}

func (s *Supervisor) register(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	metrics.SetActiveConnections(float64(len(s.conns)))
}

func (s *Supervisor) unregister(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	metrics.SetActiveConnections(float64(len(s.conns)))
}

// ConnectionCount reports how many worker connections are currently active.
func (s *Supervisor) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListConnections snapshots every active connection, for the admin worker
// inspection endpoint; there is no store table of live connections, so this
// is the only place that can answer "who's connected right now".
func (s *Supervisor) ListConnections() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c.Info())
	}
	return out
}

// Shutdown closes every active connection, letting each one's
// releasePending roll back whatever attempts never got a response.
func (s *Supervisor) Shutdown(_ context.Context) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
