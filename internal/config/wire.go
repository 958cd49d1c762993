package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ppiankov/fleetwatch/internal/adapter"
	"github.com/ppiankov/fleetwatch/internal/adapter/github"
	"github.com/ppiankov/fleetwatch/internal/adapter/kube"
	"github.com/ppiankov/fleetwatch/internal/adapter/notify"
	"github.com/ppiankov/fleetwatch/internal/adapter/workflow"
	"github.com/ppiankov/fleetwatch/internal/alert"
	"github.com/ppiankov/fleetwatch/internal/audit"
	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/guardrail"
	"github.com/ppiankov/fleetwatch/internal/loop"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/policy"
	"github.com/ppiankov/fleetwatch/internal/store"
	"github.com/ppiankov/fleetwatch/internal/world"
)

// Runtime is a fully wired loop and the resources it holds open.
type Runtime struct {
	Config     *Config
	Loop       *loop.Loop
	Registry   *adapter.Registry
	Store      store.Store
	Audit      *audit.Log
	Cooldowns  *guardrail.BadgerStore
	Dispatcher *alert.Dispatcher
	Notify     *notify.Adapter
}

// Build opens the store, audit log and cooldown state, constructs every
// adapter and returns the loop. On error everything opened so far is
// closed again.
func Build(cfg *Config, logger *slog.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt = &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	if rt.Store, err = store.Open(cfg.Store.DSN); err != nil {
		return rt, fmt.Errorf("config: open store: %w", err)
	}
	if rt.Audit, err = audit.Open(cfg.Audit.Path); err != nil {
		return rt, err
	}
	if cfg.Audit.Mirror {
		rt.Audit.Mirror(rt.Store, logger)
	}

	deployments := deploy.NewManager(deploy.WithJournal(rt.Store), deploy.WithLogger(logger))

	var cooldowns guardrail.CooldownStore
	if cfg.Guardrail.StateDir != "" {
		if rt.Cooldowns, err = guardrail.OpenBadger(cfg.Guardrail.StateDir, logger); err != nil {
			return rt, err
		}
		cooldowns = rt.Cooldowns
	}
	guard, err := guardrail.NewGuard(cfg.Guardrail, nil, nil, cooldowns, logger)
	if err != nil {
		return rt, err
	}

	engine, err := policy.New(cfg.Policy, logger)
	if err != nil {
		return rt, err
	}

	if rt.Registry, err = rt.buildRegistry(logger); err != nil {
		return rt, err
	}

	deps := loop.Deps{
		Registry:    rt.Registry,
		Deployments: deployments,
		Policy:      engine,
		Guard:       guard,
		Trail:       audit.NewTrail(rt.Audit),
		Builder:     world.NewBuilder(cfg.World.Window, cfg.World.Thresholds),
		Logger:      logger,
	}
	if rt.Notify != nil {
		deps.Notifier = rt.Notify
	}
	if rt.Loop, err = loop.New(cfg.Loop, deps); err != nil {
		return rt, err
	}
	return rt, nil
}

func (rt *Runtime) buildRegistry(logger *slog.Logger) (*adapter.Registry, error) {
	cfg := rt.Config
	reg := adapter.NewRegistry()

	for _, kc := range cfg.Adapters.Kube {
		a, err := kube.New(kc, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	for _, gc := range cfg.Adapters.GitHub {
		if err := reg.Register(github.New(gc, logger)); err != nil {
			return nil, err
		}
	}
	for _, wc := range cfg.Adapters.Workflow {
		a, err := workflow.New(wc, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	if nc := cfg.Adapters.Notify; nc != nil {
		// A nil *Dispatcher must not reach the adapter as a non-nil interface.
		var notifier alert.Notifier
		if rt.Dispatcher = alert.NewDispatcher(nc.Webhooks, logger); rt.Dispatcher != nil {
			notifier = rt.Dispatcher
		}
		name := nc.Name
		if name == "" {
			name = DefaultNotifyName
		}
		rt.Notify = notify.New(name, notifier, logger)
		if err := reg.Register(rt.Notify); err != nil {
			return nil, err
		}
	}

	for _, t := range sortedKeys(cfg.Routes) {
		at, err := model.ParseActionType(t)
		if err != nil {
			return nil, fmt.Errorf("config: routes: %w", err)
		}
		reg.Route(at, cfg.Routes[t])
	}
	return reg, nil
}

// Close stops the loop's verifications and releases every resource.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	if rt.Loop != nil {
		rt.Loop.Shutdown()
	}
	if rt.Dispatcher != nil {
		rt.Dispatcher.Wait()
	}
	var errs []error
	if rt.Cooldowns != nil {
		errs = append(errs, rt.Cooldowns.Close())
	}
	if rt.Audit != nil {
		errs = append(errs, rt.Audit.Close())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	return errors.Join(errs...)
}
