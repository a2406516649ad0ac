// relay.go — Assembles the relay: registry, router, hub, pull transport,
// operation manager, and the system tool table, plus the listener lifecycle.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/ops"
)

// Service is the assembled relay process.
type Service struct {
	log       *zap.Logger
	cfg       *config.Config
	registry  *Registry
	router    *Router
	hub       *Hub
	pull      *PullTransport
	rest      *RESTHandler
	health    *Health
	manager   *ops.Manager
	system    *dispatch.Table
	forwarder *logging.Forwarder
	logs      *logging.Buffer
}

// New wires the relay together. setLevel adjusts the process log level at
// runtime for the set_log_level tool.
func New(log *zap.Logger, cfg *config.Config, logs *logging.Buffer, setLevel func(string) error) *Service {
	s := &Service{log: log, cfg: cfg, logs: logs}

	s.registry = NewRegistry(log.Named("registry"))
	s.router = NewRouter(log.Named("router"), s.registry)
	s.hub = NewHub(log.Named("hub"), HubConfig{
		Heartbeat:      cfg.Heartbeat(),
		MaxMissedPongs: cfg.Transport.MaxMissedPongs,
		SendQueueSize:  cfg.Transport.SendQueueSize,
		FrameSizeLimit: cfg.Transport.FrameSizeLimit,
	}, s.registry, s.router)

	deadAfter := cfg.Heartbeat() * time.Duration(cfg.Transport.MaxMissedPongs+1)
	s.pull = NewPullTransport(log.Named("pull"), s.registry, s.router, cfg.Transport.SendQueueSize, deadAfter)

	store := ops.NewStore(cfg.Ops.StorePath, log.Named("store"))
	s.manager = ops.NewManager(log.Named("ops"), store, ops.Config{
		TerminalRingSize: cfg.Ops.TerminalRingSize,
		DisconnectGrace:  cfg.DisconnectGrace(),
		Rehydrate:        cfg.Ops.Rehydrate,
		DeadlineByKind: map[ops.Kind]time.Duration{
			ops.KindSendMessage:     time.Duration(cfg.Ops.SendDeadlineMs) * time.Millisecond,
			ops.KindGetResponse:     time.Duration(cfg.Ops.ResponseDeadlineMs) * time.Millisecond,
			ops.KindForwardResponse: time.Duration(cfg.Ops.ForwardDeadlineMs) * time.Millisecond,
		},
	})

	s.forwarder = logging.NewForwarder(logs,
		time.Duration(cfg.Log.ForwardIntervalMs)*time.Millisecond,
		func(peerID string, entries []logging.Entry) {
			f := frame.New(frame.TypeLogNotification, map[string]any{"entries": entries})
			if err := s.router.SendTo(peerID, f); err != nil {
				s.forwarder.Disable()
				s.log.Info("debug-mode peer gone, forwarding disabled", zap.String("peer", peerID))
			}
		})

	s.health = NewHealth(s.registry, s.manager, logs, s.hub, s.pull, s.forwarder)
	s.rest = NewRESTHandler(log.Named("rest"), s.health, s.pull)

	s.system = dispatch.NewTable(log)
	dispatch.RegisterSystem(s.system, dispatch.SystemDeps{
		Health:      func() any { return s.health.Report() },
		Manager:     s.manager,
		Logs:        logs,
		SetLogLevel: setLevel,
		Forwarder:   s.forwarder,
		DefaultWait: 30 * time.Second,
	})

	s.registry.OnUpdate(func(snapshot []PeerInfo) {
		f := frame.New(frame.TypeClientListUpdate, nil)
		f.Clients = snapshot
		s.router.Broadcast(f)
	})
	s.registry.OnExtensionGone(s.manager.OnExtensionDisconnected)

	s.manager.SetNotifier(func(op ops.Operation) {
		f := frame.New(frame.TypeProgress, ops.ProgressFor(op))
		if err := s.router.SendTo(op.OwningPeerID, f); err != nil {
			s.log.Debug("progress undeliverable",
				zap.String("operation", op.ID), zap.String("peer", op.OwningPeerID))
		}
	})
	s.manager.SetCancelHook(func(op ops.Operation) {
		f := frame.New("cancel_operation", map[string]any{"operationId": op.ID})
		if err := s.router.SendToExtension(f); err != nil {
			s.log.Debug("cancel not forwarded", zap.String("operation", op.ID), zap.Error(err))
		}
	})

	s.router.SetInterceptor(s.interceptOperations)
	s.registerVerbs()
	return s
}

// Router exposes the router for tests and embedding processes.
func (s *Service) Router() *Router { return s.router }

// Manager exposes the operation manager.
func (s *Service) Manager() *ops.Manager { return s.manager }

// Registry exposes the peer registry.
func (s *Service) Registry() *Registry { return s.registry }

// interceptOperations gives every operation-creating frame bound for the
// extension a canonical operation id before it leaves the relay. A
// client-supplied id wins; otherwise the manager assigns one and the params
// are rewritten so all participants see the same id.
func (s *Service) interceptOperations(origin PeerInfo, f *frame.Frame) error {
	kind := ops.Kind(f.Type)
	if !ops.ValidKind(kind) || kind == ops.KindCompound {
		return nil
	}

	var p struct {
		OperationID string `json:"operationId"`
		TabID       int    `json:"tabId"`
		TargetTabID int    `json:"targetTabId"`
	}
	_ = json.Unmarshal(f.Params, &p)
	tabID := p.TabID
	if kind == ops.KindForwardResponse {
		tabID = p.TargetTabID
	}

	op, err := s.manager.Begin(kind, f.Params, origin.ID, tabID, p.OperationID)
	if err != nil {
		return err
	}
	if p.OperationID != op.ID {
		var params map[string]any
		if err := json.Unmarshal(f.Params, &params); err != nil {
			params = map[string]any{}
		}
		params["operationId"] = op.ID
		raw, err := json.Marshal(params)
		if err != nil {
			return frame.ErrInternal.New("stamping operation id: %v", err)
		}
		f.Params = raw
	}
	_ = s.manager.SetInFlight(op.ID)
	return nil
}

// registerVerbs installs the relay-local frame vocabulary.
func (s *Service) registerVerbs() {
	s.router.Handle(frame.TypePing, func(_ context.Context, _ PeerInfo, f frame.Frame) (any, error) {
		return map[string]any{"type": frame.TypePong, "timestamp": time.Now().UnixMilli()}, nil
	})

	s.router.Handle(frame.TypePeerList, func(_ context.Context, _ PeerInfo, _ frame.Frame) (any, error) {
		return map[string]any{"peers": s.registry.Snapshot()}, nil
	})

	s.router.Handle(frame.TypeRegisterOperation, func(_ context.Context, origin PeerInfo, f frame.Frame) (any, error) {
		var p struct {
			OperationID string          `json:"operationId"`
			Kind        ops.Kind        `json:"kind"`
			Params      json.RawMessage `json:"params"`
			TabID       int             `json:"tabId"`
		}
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		op, err := s.manager.Begin(p.Kind, p.Params, origin.ID, p.TabID, p.OperationID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operation": op}, nil
	})

	s.router.Handle(frame.TypeOperationMilestone, func(_ context.Context, _ PeerInfo, f frame.Frame) (any, error) {
		var p struct {
			OperationID string          `json:"operationId"`
			Name        string          `json:"name"`
			Data        json.RawMessage `json:"data"`
		}
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		op, err := s.manager.RecordMilestone(p.OperationID, p.Name, p.Data)
		if err != nil {
			return nil, err
		}
		if f.ID == "" {
			return nil, nil
		}
		return map[string]any{"operationId": op.ID, "state": op.State}, nil
	})

	s.router.Handle(frame.TypeOperationCompleted, func(_ context.Context, _ PeerInfo, f frame.Frame) (any, error) {
		var p struct {
			OperationID string          `json:"operationId"`
			Result      json.RawMessage `json:"result"`
		}
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		if err := s.manager.Complete(p.OperationID, p.Result); err != nil {
			return nil, err
		}
		if f.ID == "" {
			return nil, nil
		}
		return map[string]any{"operationId": p.OperationID, "state": ops.StateCompleted}, nil
	})

	s.router.Handle("operation_failed", func(_ context.Context, _ PeerInfo, f frame.Frame) (any, error) {
		var p struct {
			OperationID string `json:"operationId"`
			Error       string `json:"error"`
			ErrorType   string `json:"errorType"`
		}
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		cause := frame.ClassFor(p.ErrorType).New("%s", p.Error)
		if err := s.manager.Fail(p.OperationID, cause); err != nil {
			return nil, err
		}
		if f.ID == "" {
			return nil, nil
		}
		return map[string]any{"operationId": p.OperationID}, nil
	})

	s.router.Handle(frame.TypeStatusReport, func(_ context.Context, origin PeerInfo, f frame.Frame) (any, error) {
		if origin.Role != RoleExtension {
			return nil, frame.ErrInvalidParams.New("status_report accepted only from the extension peer")
		}
		s.health.RecordExtensionStatus(f.Params)
		if f.ID == "" {
			return nil, nil
		}
		return map[string]any{"recorded": true}, nil
	})

	// System tools dispatch through the table off the read loop, so a
	// blocking wait_operation cannot stall the origin peer's inbound frames.
	for _, name := range s.system.Tools() {
		s.router.Handle(name, s.systemVerb(name))
	}
}

func (s *Service) systemVerb(name string) LocalVerb {
	return func(_ context.Context, origin PeerInfo, f frame.Frame) (any, error) {
		go func() {
			ctx := dispatch.WithOrigin(context.Background(), origin.ID)
			result, err := s.system.Dispatch(ctx, name, f.Params)
			s.router.Reply(f, dispatch.Envelope(result, err))
		}()
		return nil, nil
	}
}

// Run starts the operation manager and both listeners, then blocks until
// ctx is cancelled or a listener fails. Shutdown drains the listeners and
// writes a final operation snapshot.
func (s *Service) Run(ctx context.Context) error {
	if err := s.manager.Start(); err != nil {
		return err
	}
	defer s.manager.Close()
	defer s.pull.Close()
	defer s.forwarder.Disable()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.ServeWS)
	wsSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.cfg.Relay.Port),
		Handler: mux,
	}

	var restSrv *http.Server
	if s.cfg.Relay.RESTListen != "" {
		restSrv = &http.Server{Addr: s.cfg.Relay.RESTListen, Handler: s.rest.Mux()}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("relay listening", zap.String("addr", wsSrv.Addr))
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ws listener: %w", err)
		}
		return nil
	})
	if restSrv != nil {
		g.Go(func() error {
			s.log.Info("rest listening", zap.String("addr", restSrv.Addr))
			if err := restSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("rest listener: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wsSrv.Shutdown(shCtx)
		if restSrv != nil {
			_ = restSrv.Shutdown(shCtx)
		}
		return nil
	})
	return g.Wait()
}
