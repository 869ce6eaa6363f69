package engine

import (
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Publisher receives the outputs of a tick. The parameter bus implements
// it; the core never calls back into its publishers holding a lock.
type Publisher interface {
	PublishUpdate(res ConsensusResult)
	PublishSnapshot(snap *Snapshot)
}

// Core ties the pipeline together for one tick: buffer snapshot ->
// weighting -> aggregation -> override mix -> publish. Consensus
// computation is serialized relative to the tick (Tick holds the core
// mutex), which is what makes a Snapshot cross-parameter-consistent.
type Core struct {
	Weights   WeightConfig
	Agg       Aggregator
	Params    *ParamRegistry
	Buffer    *InputBuffer
	Overrides *OverrideTable

	clock clock.Clock
	pub   Publisher
	log   *zap.SugaredLogger

	mu         sync.Mutex
	prev       map[string]float64 // smoothing baselines, seeded with defaults
	lockedLast map[string]bool    // parameters locked on the previous tick
	lastTickMs int64
}

func NewCore(weights WeightConfig, agg Aggregator, params *ParamRegistry, buffer *InputBuffer, overrides *OverrideTable, clk clock.Clock, pub Publisher, log *zap.SugaredLogger) *Core {
	return &Core{
		Weights:    weights,
		Agg:        agg,
		Params:     params,
		Buffer:     buffer,
		Overrides:  overrides,
		clock:      clk,
		pub:        pub,
		log:        log,
		prev:       make(map[string]float64),
		lockedLast: make(map[string]bool),
	}
}

// RegisterParameter adds a parameter and seeds its smoothing baseline
// with the default.
func (c *Core) RegisterParameter(spec ParameterSpec) error {
	if err := c.Params.Register(spec); err != nil {
		return err
	}
	c.mu.Lock()
	c.prev[spec.Name] = spec.Default
	c.mu.Unlock()
	if c.log != nil {
		c.log.Infow("parameter_registered", "parameter", spec.Name, "mode", spec.Mode.String(), "default", spec.Default)
	}
	return nil
}

// NowMs is the engine clock in Unix milliseconds. It follows the wall
// clock and is not monotonic; only tick timestamps are forced to increase.
func (c *Core) NowMs() int64 {
	return c.clock.Now().UnixMilli()
}

// Tick runs the whole pipeline once and publishes the results. Exactly
// one ConsensusResult per registered parameter (invariant I4), all
// derived from a single buffer snapshot and a single override snapshot.
func (c *Core) Tick() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.clock.Now().UnixMilli()
	if nowMs <= c.lastTickMs {
		// Tick timestamps are strictly monotonic (invariant I6) even if
		// the wall clock stalls within a millisecond.
		nowMs = c.lastTickMs + 1
	}
	c.lastTickMs = nowMs

	specs := c.Params.List()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}

	buffered := c.Buffer.SnapshotAll(names, nowMs)
	overrides := c.Overrides.Snapshot(nowMs)

	snap := &Snapshot{Timestamp: nowMs, Results: make([]ConsensusResult, 0, len(specs))}
	lockedNow := make(map[string]bool, len(overrides))

	for _, spec := range specs {
		weighted := c.Weights.ComputeWeights(buffered[spec.Name], nowMs)

		prev, ok := c.prev[spec.Name]
		if !ok {
			prev = spec.Default
		}
		// A lock released since the last tick leaves a baseline the
		// audience never voted for; skip smoothing once so the output
		// snaps back to the aggregate instead of ramping.
		skipSmoothing := c.lockedLast[spec.Name]

		res := c.Agg.Combine(spec, weighted, prev, skipSmoothing, nowMs)

		if o, has := overrides[spec.Name]; has {
			res.Value = spec.Clamp(Mix(res.Value, o))
			res.OverrideMode = o.Mode.String()
			if o.Mode == OverrideLock {
				lockedNow[spec.Name] = true
			}
		}

		c.prev[spec.Name] = res.Value
		snap.Results = append(snap.Results, res)
	}

	c.lockedLast = lockedNow

	for _, res := range snap.Results {
		c.pub.PublishUpdate(res)
	}
	c.pub.PublishSnapshot(snap)
	return snap
}

// Baseline returns the current smoothing baseline for a parameter,
// which is also the value an empty tick would emit.
func (c *Core) Baseline(parameter string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.prev[parameter]
	return v, ok
}
