package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stagemesh/crowdmix/params"
	"github.com/stagemesh/crowdmix/pkg/api"
	"github.com/stagemesh/crowdmix/pkg/bus"
	"github.com/stagemesh/crowdmix/pkg/engine"
	"github.com/stagemesh/crowdmix/pkg/metrics"
	"github.com/stagemesh/crowdmix/pkg/osc"
	"github.com/stagemesh/crowdmix/pkg/session"
	"github.com/stagemesh/crowdmix/pkg/util"
)

func main() {
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	clk := clock.New()
	m := metrics.New()

	// ---- Bus ----
	b := bus.New(cfg.Bus.SubscriberQueueSize, sugar)
	b.OnDrop = m.SubscriberDrops.Inc

	// ---- Core pipeline ----
	buffer := engine.NewInputBuffer(cfg.Consensus.TemporalWindow.Milliseconds(), engine.DefaultBufferCap)
	buffer.SetDropHook(m.BufferDrops.Inc)

	weights := engine.WeightConfig{
		SpatialDecay:     cfg.Consensus.SpatialDecay,
		TemporalDecay:    cfg.Consensus.TemporalDecay,
		ClusterThreshold: cfg.Consensus.ClusterThreshold,
		WindowMs:         cfg.Consensus.TemporalWindow.Milliseconds(),
		SpatialAlpha:     cfg.Consensus.SpatialAlpha,
		TemporalBeta:     cfg.Consensus.TemporalBeta,
		ConsensusGamma:   cfg.Consensus.ConsensusGamma,
		Stage:            engine.Location{X: cfg.Consensus.StagePosition.X, Y: cfg.Consensus.StagePosition.Y},
	}
	agg := engine.Aggregator{
		OutlierThreshold: cfg.Consensus.OutlierThreshold,
		ClusterThreshold: cfg.Consensus.ClusterThreshold,
	}

	core := engine.NewCore(weights, agg, engine.NewParamRegistry(), buffer, engine.NewOverrideTable(), clk, b, sugar)

	for _, seed := range cfg.Parameters {
		mode, err := engine.ParseMode(seed.Mode)
		if err != nil {
			log.Fatalf("config: parameter %s: %v", seed.Name, err)
		}
		smoothing := seed.Smoothing
		if smoothing == 0 {
			smoothing = cfg.Consensus.SmoothingFactor
		}
		spec := engine.ParameterSpec{
			Name:      seed.Name,
			Min:       0,
			Max:       1,
			Default:   seed.Default,
			Smoothing: smoothing,
			Mode:      mode,
		}
		if err := core.RegisterParameter(spec); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	m.Parameters.Set(float64(core.Params.Len()))

	sched := engine.NewScheduler(cfg.Consensus.TickPeriod, core, clk, sugar)
	sched.OnOverrun = m.TickOverruns.Inc
	sched.OnTick = func(elapsed time.Duration) {
		m.TickDuration.Observe(elapsed.Seconds())
	}

	// ---- Sessions ----
	sessions := session.NewRegistry(session.Config{
		IdleTimeout: cfg.Session.IdleTimeout,
		GracePeriod: cfg.Session.GracePeriod,
		RateHz:      cfg.Session.RateLimitHz,
		Burst:       cfg.Session.RateLimitBurst,
	}, clk, b, sugar)

	// Keep the session gauge honest across sweeps, not just websocket
	// connects and disconnects.
	b.SubscribeFunc(func(bus.Event) {
		m.ActiveSessions.Set(float64(sessions.Count()))
	}, bus.ParticipantJoin, bus.ParticipantLeave)

	// ---- OSC bridge ----
	var bridge *osc.Bridge
	if cfg.OSC.Enabled {
		bridge = osc.NewBridge(osc.Config{
			Prefix:     cfg.OSC.Prefix,
			LocalPort:  cfg.OSC.LocalPort,
			RemoteHost: cfg.OSC.RemoteHost,
			RemotePort: cfg.OSC.RemotePort,
		}, clk, sugar)
		if err := bridge.Start(b); err != nil {
			log.Fatalf("osc: %v", err)
		}
	}

	// ---- API ----
	server := api.NewServer(api.Config{
		ListenAddr:     cfg.ListenAddr,
		PerformerToken: cfg.PerformerToken,
	}, core, sched, sessions, b, m, sugar)
	if cfg.PerformerToken == "" {
		sugar.Warnw("performer_channel_open", "reason", "no PERFORMER_TOKEN configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start() })
	g.Go(func() error {
		sessions.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sugar.Infow("shutdown_begin")

		sched.Stop() // in-flight tick completes

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("api_shutdown", "err", err)
		}
		if bridge != nil {
			bridge.Close()
		}
		b.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("exit", "err", err)
		os.Exit(1)
	}
	sugar.Infow("shutdown_complete")
}
