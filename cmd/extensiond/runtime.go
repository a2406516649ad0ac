// runtime.go — Extension-side runtime: receives routed tool frames from the
// relay, dispatches them against the browser capability surface, and reports
// operation milestones back.
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/chatrelay/internal/capability"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/frame"
	"github.com/chatrelay/chatrelay/internal/relay/relayclient"
	"github.com/chatrelay/chatrelay/internal/scheduler"
	"github.com/chatrelay/chatrelay/internal/tabs"
)

// sendFunc pushes one frame toward the relay over whichever transport is up.
type sendFunc func(f frame.Frame) error

// frameReporter implements dispatch.Reporter by emitting the observer
// protocol frames. Operation lifecycle stays relay-side; the extension only
// reports what it saw.
type frameReporter struct {
	log  *zap.Logger
	send sendFunc
}

func (r *frameReporter) Milestone(operationID, name string, data any) {
	f := frame.New(frame.TypeOperationMilestone, map[string]any{
		"operationId": operationID,
		"name":        name,
		"data":        data,
	})
	if err := r.send(f); err != nil {
		r.log.Warn("milestone not delivered",
			zap.String("operation", operationID), zap.String("name", name), zap.Error(err))
	}
}

func (r *frameReporter) Completed(operationID string, result any) {
	f := frame.New(frame.TypeOperationCompleted, map[string]any{
		"operationId": operationID,
		"result":      result,
	})
	if err := r.send(f); err != nil {
		r.log.Warn("completion not delivered", zap.String("operation", operationID), zap.Error(err))
	}
}

func (r *frameReporter) Failed(operationID string, cause error) {
	f := frame.New("operation_failed", map[string]any{
		"operationId": operationID,
		"error":       frame.Message(cause),
		"errorType":   frame.CodeOf(cause),
	})
	if err := r.send(f); err != nil {
		r.log.Warn("failure not delivered", zap.String("operation", operationID), zap.Error(err))
	}
}

// runtime wires the dispatcher, tab coordinator, and relay transport.
type runtime struct {
	log   *zap.Logger
	cfg   *config.Config
	caps  capability.Client
	coord *tabs.Coordinator
	table *dispatch.Table

	client *relayclient.Client
	pull   *relayclient.PullClient
	send   sendFunc
}

func newRuntime(log *zap.Logger, cfg *config.Config, caps capability.Client) *runtime {
	rt := &runtime{log: log, cfg: cfg, caps: caps}

	rt.coord = tabs.New(log, caps, tabs.Config{
		LockTimeout:      cfg.LockTimeout(),
		InjectionGrace:   time.Duration(cfg.Tabs.InjectionGraceMs) * time.Millisecond,
		CleanupDrain:     time.Duration(cfg.Tabs.CleanupDrainMs) * time.Millisecond,
		NetworkBufferCap: cfg.Tabs.NetworkBufferCap,
	})

	rt.table = dispatch.NewTable(log)
	reporter := &frameReporter{log: log.Named("reporter"), send: func(f frame.Frame) error {
		return rt.send(f)
	}}
	dispatch.RegisterBrowser(rt.table, dispatch.BrowserDeps{Caps: caps, Tabs: rt.coord})
	dispatch.RegisterTab(rt.table, dispatch.TabDeps{
		Log:             log,
		Caps:            caps,
		Tabs:            rt.coord,
		Report:          reporter,
		Table:           rt.table,
		LockTimeout:     cfg.LockTimeout(),
		ResponseTimeout: time.Duration(cfg.Ops.ResponseDeadlineMs) * time.Millisecond,
	})
	dispatch.RegisterConversation(rt.table, dispatch.ConversationDeps{
		Caps:      caps,
		OrgCookie: cfg.Extension.OrgCookie,
		BaseURL:   cfg.Extension.ChatBaseURL,
	})

	switch cfg.Extension.Transport {
	case "pull":
		sched := scheduler.New(scheduler.Config{
			CommandInterval:    time.Duration(cfg.Scheduler.CommandIntervalMs) * time.Millisecond,
			MaxCommandInterval: time.Duration(cfg.Scheduler.MaxCommandIntervalMs) * time.Millisecond,
			IdleThreshold:      time.Duration(cfg.Scheduler.IdleThresholdMs) * time.Millisecond,
			HealthInterval:     time.Duration(cfg.Scheduler.HealthIntervalMs) * time.Millisecond,
			HeartbeatInterval:  time.Duration(cfg.Scheduler.HeartbeatIntervalMs) * time.Millisecond,
		})
		base := "http://" + cfg.Relay.RESTListen
		rt.pull = relayclient.NewPull(log, base, "extension", rt.table.Tools(), sched, rt.handleFrame)
		rt.pull.SetStatusSource(func() any { return rt.statusReport() })
		rt.send = func(f frame.Frame) error {
			return rt.pull.Submit(context.Background(), f)
		}
	default:
		rt.client = relayclient.New(log, relayclient.Config{
			URL:            fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Relay.Port),
			Role:           "extension",
			Capabilities:   rt.table.Tools(),
			Heartbeat:      cfg.Heartbeat(),
			FrameSizeLimit: cfg.Transport.FrameSizeLimit,
			SendQueueSize:  cfg.Transport.SendQueueSize,
			ReconnectMin:   time.Duration(cfg.Transport.ReconnectMinMs) * time.Millisecond,
			ReconnectMax:   time.Duration(cfg.Transport.ReconnectMaxMs) * time.Millisecond,
		}, rt.handleFrame)
		rt.send = rt.client.Send
	}
	return rt
}

// run serves the transport and the status-report loop until ctx ends.
func (rt *runtime) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if rt.pull != nil {
		g.Go(func() error { return rt.pull.Run(gctx) })
	} else {
		g.Go(func() error { return rt.client.Run(gctx) })
	}
	g.Go(func() error { return rt.statusLoop(gctx) })
	return g.Wait()
}

// handleFrame processes one frame pushed down from the relay. Tool requests
// dispatch on their own goroutine; control frames are handled inline.
func (rt *runtime) handleFrame(f frame.Frame) {
	switch f.Type {
	case "cancel_operation":
		var p struct {
			OperationID string `json:"operationId"`
		}
		if err := f.UnmarshalParams(&p); err != nil || p.OperationID == "" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.caps.CancelOperation(ctx, p.OperationID); err != nil {
				rt.log.Warn("cancel request failed",
					zap.String("operation", p.OperationID), zap.Error(err))
			}
		}()

	case "navigation_event":
		var p struct {
			TabID int `json:"tabId"`
		}
		if f.UnmarshalParams(&p) == nil && p.TabID > 0 {
			rt.coord.OnNavigation(p.TabID)
		}

	case "network_event":
		var ev capability.NetworkEvent
		if f.UnmarshalParams(&ev) == nil && ev.TabID > 0 {
			rt.coord.RecordNetworkEvent(ev)
		}

	case frame.TypeClientListUpdate, frame.TypeLogNotification, frame.TypeProgress, "registered":
		// Informational; nothing for the extension to do.

	default:
		if !rt.table.Has(f.Type) {
			if f.ID != "" {
				resp := frame.ErrorResponse(f, frame.ErrInvalidParams.New("unknown tool %q", f.Type))
				_ = rt.send(resp)
			}
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(rt.cfg.Ops.ForwardDeadlineMs)*time.Millisecond)
			defer cancel()
			result, err := rt.table.Dispatch(ctx, f.Type, f.Params)
			if f.ID == "" {
				return
			}
			resp := frame.Response(f, dispatch.Envelope(result, err))
			if sendErr := rt.send(resp); sendErr != nil {
				rt.log.Warn("tool response not delivered",
					zap.String("type", f.Type), zap.String("id", f.ID), zap.Error(sendErr))
			}
		}()
	}
}

// statusLoop pushes periodic status_report frames so relay health reflects
// tab locks, debugger sessions, and observers.
func (rt *runtime) statusLoop(ctx context.Context) error {
	interval := time.Duration(rt.cfg.Extension.StatusIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f := frame.New(frame.TypeStatusReport, rt.statusReport())
			if err := rt.send(f); err != nil {
				rt.log.Debug("status report not delivered", zap.Error(err))
			}
		}
	}
}

func (rt *runtime) statusReport() map[string]any {
	return map[string]any{
		"tabs":  rt.coord.Status(),
		"tools": len(rt.table.Tools()),
	}
}
