// Package server wires the five components together into one peer
// process and owns the lifecycle actions: a ProcessStatus broadcast as
// the first action of Start, and another in Shutdown once the dispatcher
// has stopped. The repository is opened in New, before the startup
// broadcast, and closed after the shutdown broadcast.
package server

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/config"
	"github.com/nimbusio/handoff/pkg/handoff/dispatcher"
	"github.com/nimbusio/handoff/pkg/handoff/forwarder"
	"github.com/nimbusio/handoff/pkg/handoff/intake"
	"github.com/nimbusio/handoff/pkg/handoff/liveness"
	"github.com/nimbusio/handoff/pkg/handoff/metrics"
	"github.com/nimbusio/handoff/pkg/handoff/store"
	"github.com/nimbusio/handoff/pkg/handoff/types"
	"github.com/nimbusio/handoff/pkg/handoff/wire"
)

// Server is one cluster peer's hinted-handoff process.
type Server struct {
	cfg config.Config
	log types.Logger

	bus        bus.Bus
	repo       *store.BoltRepository
	dispatcher *dispatcher.Dispatcher
	invoker    dispatcher.Invoker
	liveness   *liveness.Watcher
	forwarder  *forwarder.Forwarder
	metrics    *metrics.Collectors
	intake     *intake.Handler

	selfReplyTopic string
}

// New opens the repository and wires every component, but does not yet
// announce the process or start the dispatch loop; call Start for that.
func New(cfg config.Config, b bus.Bus, log types.Logger, reg prometheus.Registerer) (*Server, error) {
	repo, err := store.Open(filepath.Join(cfg.StateDir, "handoff", "hints.db"), log)
	if err != nil {
		return nil, fmt.Errorf("handoff server: opening repository: %w", err)
	}

	collectors := metrics.New()
	if reg != nil {
		collectors.MustRegister(reg)
	}

	lw := liveness.New(log, cfg.DeadAfter)
	invoker := dispatcher.NewPoolInvoker()
	d := dispatcher.New(b, invoker, log, cfg.TickInterval)

	selfReplyTopic := types.DataWriterTopicPrefix + "." + string(cfg.NodeName) + ".reply"
	fc := forwarder.Config{
		MaxInFlight: cfg.MaxInFlight,
		AckTimeout:  cfg.AckTimeout,
		BackoffMin:  10 * time.Second,
		BackoffMax:  10 * time.Minute,
	}
	fwd := forwarder.New(repo, b, lw, collectors, selfReplyTopic, fc, log)
	ih := intake.New(repo, b, log)

	s := &Server{
		cfg:            cfg,
		log:            log,
		bus:            b,
		repo:           repo,
		dispatcher:     d,
		invoker:        invoker,
		liveness:       lw,
		forwarder:      fwd,
		metrics:        collectors,
		intake:         ih,
		selfReplyTopic: selfReplyTopic,
	}
	s.bind()
	return s, nil
}

// Bind registers an additional routing-key handler on this server's
// dispatcher, for components layered on top of the core five (or, in
// tests, a stub standing in for an out-of-scope external collaborator
// like the data writer).
func (s *Server) Bind(prefix string, handler dispatcher.Handler) {
	s.dispatcher.Bind(prefix, handler)
}

// Repository exposes the underlying Hint Repository for operator
// tooling and tests; production code outside this package should not
// normally need it.
func (s *Server) Repository() *store.BoltRepository {
	return s.repo
}

func (s *Server) bind() {
	s.dispatcher.Bind(types.HandoffRequestTopic(s.cfg.NodeName), s.intake.Handle)
	s.dispatcher.Bind(s.selfReplyTopic, s.forwarder.HandleReply)
	s.dispatcher.Bind(types.ProcessStatusTopic, s.handleProcessStatus)

	s.dispatcher.OnTick(s.cfg.TickInterval, s.liveness.Sweep)
	s.dispatcher.OnTick(s.cfg.TickInterval, s.forwarder.Sweep)
	s.dispatcher.OnTick(s.cfg.TickInterval, s.reportQueueDepth)
}

func (s *Server) handleProcessStatus(_ context.Context, msg bus.Message) {
	status, err := wire.UnmarshalProcessStatus(msg.Body)
	if err != nil {
		s.log.Errorf("server: malformed ProcessStatus: %v", err)
		return
	}
	peer := types.PeerName(status.SourceTopic)
	if peer == s.cfg.NodeName {
		return
	}
	s.liveness.Observe(peer, status)
}

func (s *Server) reportQueueDepth(_ context.Context) {
	destinations, err := s.repo.Destinations()
	if err != nil {
		return
	}
	for _, dest := range destinations {
		s.metrics.SetPendingHints(dest, s.repo.QueueDepth(dest))
	}
}

// Start announces startup, then begins dispatching: the ProcessStatus
// broadcast happens before anything else, and a recovery sweep of the
// hint queue runs once immediately after. That sweep sends only to
// destinations the liveness watcher already reports Up; the watcher is
// new at this point, so hints for other peers wait until a ProcessStatus
// from that peer is observed and a later tick's sweep picks them up.
func (s *Server) Start(ctx context.Context) error {
	if err := s.announce(ctx, types.StatusStartup); err != nil {
		s.log.Warnf("server: failed to announce startup: %v", err)
	}

	go s.dispatcher.Run()
	s.forwarder.Sweep(ctx)
	s.log.Infof("server: %s started", s.cfg.NodeName)
	return nil
}

// Shutdown drains in-flight work, then announces shutdown, then closes
// the repository as its last action.
func (s *Server) Shutdown(ctx context.Context) error {
	s.dispatcher.Shutdown()
	if err := s.announce(ctx, types.StatusShutdown); err != nil {
		s.log.Warnf("server: failed to announce shutdown: %v", err)
	}
	return s.repo.Close()
}

// announce broadcasts this peer's own lifecycle event. RoutingHeader
// identifies this peer's data-writer role, since that is the role other
// peers' liveness watchers are listening for: it is what makes a
// forwarder resume draining hints addressed to this peer.
func (s *Server) announce(ctx context.Context, status types.PeerStatus) error {
	body := wire.MarshalProcessStatus(types.ProcessStatus{
		SourceTopic:   string(s.cfg.NodeName),
		RoutingHeader: types.DataWriterRoutingHeader,
		Status:        status,
		Timestamp:     time.Now().UTC(),
	})
	return s.bus.Broadcast(ctx, types.ProcessStatusTopic, body)
}
