package runtime

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/t031a5/controlcore/internal/collector"
	"github.com/t031a5/controlcore/internal/config"
	"github.com/t031a5/controlcore/internal/fusion"
	"github.com/t031a5/controlcore/internal/gate"
	"github.com/t031a5/controlcore/internal/history"
	"github.com/t031a5/controlcore/internal/metrics"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/orchestrator"
	"github.com/t031a5/controlcore/internal/reasoning"
	"github.com/t031a5/controlcore/internal/safety"
	"github.com/t031a5/controlcore/internal/sim"
	"github.com/t031a5/controlcore/internal/store"
)

// #region registries

// Registries resolve the capability tags named in the configuration.
type Registries struct {
	Sources   *collector.Registry
	Providers *reasoning.Registry
	Actuators *orchestrator.Registry
}

// DefaultRegistries holds the built-in providers and the simulated sources
// and actuators.
func DefaultRegistries() (Registries, error) {
	r := Registries{
		Sources:   collector.NewRegistry(),
		Providers: reasoning.NewRegistry(),
		Actuators: orchestrator.NewRegistry(),
	}
	if err := sim.Register(r.Sources, r.Actuators); err != nil {
		return Registries{}, err
	}
	return r, nil
}

// #endregion registries

// #region assemble

// Assemble resolves every configured component once and wires them into a
// loop. Any resolution failure is a startup failure: whatever was opened is
// closed again and the error returned.
func Assemble(cfg config.Config, logger *zap.Logger, reg Registries) (_ *Loop, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				_ = cleanup[i]()
			}
		}
	}()

	m := metrics.New()

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.NewStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		cleanup = append(cleanup, st.Close)
	}

	coll := collector.New(logger.Named("collector"), collector.Options{OnFailure: m.SourceFailed})
	for _, sc := range cfg.Sources {
		if !sc.IsEnabled() {
			continue
		}
		src, err := reg.Sources.Build(sc.Type, collector.Spec{
			ID:       sc.ID,
			Modality: model.Modality(sc.Modality),
			Options:  sc.Options,
		})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.ID, err)
		}
		if err := coll.Add(src, collector.SourceOptions{Priority: sc.Priority, Timeout: sc.Timeout}); err != nil {
			return nil, err
		}
	}

	engine, err := fusion.New(logger.Named("fusion"), fusionOptions(cfg.Fusion))
	if err != nil {
		return nil, err
	}

	chain := reasoning.NewChain(logger.Named("reasoning"), reasoning.Options{
		DegradeAfter:          cfg.Reasoning.DegradeAfter,
		UnavailableAfter:      cfg.Reasoning.UnavailableAfter,
		Cooldown:              cfg.Reasoning.Cooldown,
		DegradedTimeoutFactor: cfg.Reasoning.DegradedTimeoutFactor,
		SlowFraction:          cfg.Reasoning.SlowFraction,
		OnCall:                m.ProviderCall,
		OnHealth: func(provider string, h reasoning.Health) {
			m.SetProviderHealth(provider, int(h))
		},
	})
	cleanup = append(cleanup, chain.Close)
	for _, pc := range cfg.Reasoning.Providers {
		if !pc.IsEnabled() {
			continue
		}
		p, err := reg.Providers.Build(pc.Type, reasoning.Spec{Name: pc.Name, Address: pc.Address, Options: pc.Options})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if err := chain.Add(p, reasoning.ProviderOptions{Rank: pc.Rank, Timeout: pc.Timeout}); err != nil {
			return nil, err
		}
		m.SetProviderHealth(pc.Name, int(reasoning.Healthy))
	}

	monitor := safety.NewMonitor(logger.Named("safety"), safety.Thresholds{
		MinObstacleDistance: cfg.Safety.MinObstacleDistance,
		BatteryCriticalPct:  cfg.Safety.BatteryCriticalPct,
		WatchdogOverruns:    cfg.Safety.WatchdogOverruns,
	})
	var watcher *safety.StopFileWatcher
	if cfg.Safety.StopFileDir != "" {
		watcher, err = safety.NewStopFileWatcher(logger.Named("safety"), monitor, cfg.Safety.StopFileDir, cfg.Safety.StopFileName)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, watcher.Close)
	}

	hist := history.New(cfg.Loop.HistorySize)
	results := NewResults(logger.Named("results"), hist, st, m)

	var bindings []orchestrator.Binding
	for _, ac := range cfg.Actuators {
		if !ac.IsEnabled() {
			continue
		}
		group := model.ActuatorGroup(ac.Group)
		mod, err := reg.Actuators.Build(ac.Type, orchestrator.Spec{ID: ac.ID, Group: group, Options: ac.Options})
		if err != nil {
			return nil, fmt.Errorf("actuator %s: %w", ac.ID, err)
		}
		kinds := make([]model.IntentKind, 0, len(ac.Kinds))
		for _, k := range ac.Kinds {
			kinds = append(kinds, model.IntentKind(k))
		}
		bindings = append(bindings, orchestrator.Binding{Module: mod, Group: group, Kinds: kinds, Timeout: ac.Timeout})
	}
	dispatcher, err := orchestrator.New(logger.Named("orchestrator"), monitor, orchestrator.Options{
		Policy:    orchestrator.Policy(cfg.Dispatch.Policy),
		QueueSize: cfg.Dispatch.QueueSize,
		Grace:     cfg.Dispatch.Grace,
		OnResult:  results.Record,
	}, bindings)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, dispatcher.Close)

	loop, err := New(logger.Named("runtime"), Components{
		Collector:  coll,
		Fusion:     engine,
		Chain:      chain,
		Gate:       gate.NewGate(logger.Named("gate"), gateConfig(cfg.Gate)),
		Dispatcher: dispatcher,
		Safety:     monitor,
		History:    hist,
		Store:      st,
		Metrics:    m,
		StopFile:   watcher,
	}, results, Options{
		Period:        cfg.Loop.Period(),
		CollectBudget: cfg.Loop.CollectBudget,
		HistoryWindow: cfg.Reasoning.HistoryWindow,
		StatusResults: cfg.Loop.StatusResults,
	})
	if err != nil {
		return nil, err
	}
	if st != nil {
		loop.closers = append(loop.closers, st.Close)
	}
	logger.Info("runtime assembled",
		zap.Int("sources", coll.Len()),
		zap.Int("providers", len(chain.Descriptors())),
		zap.Int("actuators", len(bindings)),
		zap.Bool("journal", st != nil))
	return loop, nil
}

// #endregion assemble

// #region translate

func fusionOptions(fc config.FusionConfig) fusion.Options {
	opts := fusion.DefaultOptions()
	if fc.Strategy != "" {
		opts.Strategy = fusion.Strategy(fc.Strategy)
	}
	if len(fc.Weights) > 0 {
		opts.Weights = make(map[model.Modality]float64, len(fc.Weights))
		for m, w := range fc.Weights {
			opts.Weights[model.Modality(m)] = w
		}
	}
	if len(fc.Priority) > 0 {
		opts.Priority = make([]model.Modality, 0, len(fc.Priority))
		for _, m := range fc.Priority {
			opts.Priority = append(opts.Priority, model.Modality(m))
		}
	}
	return opts
}

func gateConfig(gc config.GateConfig) gate.Config {
	out := gate.Config{
		MaxSpeed:          gc.MaxSpeed,
		MaxVX:             gc.MovementBounds.MaxVX,
		MaxVY:             gc.MovementBounds.MaxVY,
		MaxVYaw:           gc.MovementBounds.MaxVYaw,
		MaxVolume:         gc.MaxVolume,
		MaxSpeechDuration: gc.MaxSpeechDuration,
		Gestures:          gc.Gestures,
	}
	if len(gc.KindPriority) == 0 {
		out.KindPriority = gate.DefaultConfig().KindPriority
		return out
	}
	out.KindPriority = make(map[model.IntentKind]int, len(gc.KindPriority))
	for k, p := range gc.KindPriority {
		out.KindPriority[model.IntentKind(k)] = p
	}
	return out
}

// #endregion translate
