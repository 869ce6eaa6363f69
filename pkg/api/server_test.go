package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagemesh/crowdmix/pkg/bus"
	"github.com/stagemesh/crowdmix/pkg/engine"
	"github.com/stagemesh/crowdmix/pkg/metrics"
	"github.com/stagemesh/crowdmix/pkg/session"
	"github.com/stagemesh/crowdmix/pkg/util"
)

type testRig struct {
	server *Server
	core   *engine.Core
	bus    *bus.Bus
	http   *httptest.Server
}

func newTestRig(t *testing.T, performerToken string) *testRig {
	t.Helper()
	logger, err := util.NewLogger()
	require.NoError(t, err)
	sugar := logger.Sugar()

	clk := clock.New()
	b := bus.New(64, sugar)
	m := metrics.New()

	weights := engine.WeightConfig{
		SpatialDecay:     2.0,
		TemporalDecay:    1.5,
		ClusterThreshold: 0.15,
		WindowMs:         5000,
		SpatialAlpha:     0.4,
		TemporalBeta:     0.4,
		ConsensusGamma:   0.2,
		Stage:            engine.Location{X: 50, Y: 0},
	}
	agg := engine.Aggregator{OutlierThreshold: 2.5, ClusterThreshold: 0.15}
	core := engine.NewCore(weights, agg, engine.NewParamRegistry(), engine.NewInputBuffer(5000, 1000), engine.NewOverrideTable(), clk, b, sugar)
	require.NoError(t, core.RegisterParameter(engine.ParameterSpec{
		Name: "mood", Min: 0, Max: 1, Default: 0.5, Smoothing: 0.3, Mode: engine.ModeWeightedAverage,
	}))

	sessions := session.NewRegistry(session.Config{
		IdleTimeout: 60 * time.Second,
		GracePeriod: 2 * time.Second,
		RateHz:      20,
		Burst:       40,
	}, clk, b, sugar)

	sched := engine.NewScheduler(50*time.Millisecond, core, clk, sugar)
	srv := NewServer(Config{PerformerToken: performerToken}, core, sched, sessions, b, m, sugar)

	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		if srv.stopFanout != nil {
			srv.stopFanout()
		}
	})

	return &testRig{server: srv, core: core, bus: b, http: ts}
}

func (r *testRig) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestAudience_WelcomeAndInputAck(t *testing.T) {
	rig := newTestRig(t, "")
	conn := dial(t, rig.wsURL("/ws"))

	welcome := readFrame(t, conn)
	require.Equal(t, "session:welcome", welcome["type"])
	require.NotEmpty(t, welcome["sessionId"])

	sendFrame(t, conn, map[string]any{
		"type":      "audience:input",
		"values":    map[string]float64{"mood": 0.8},
		"timestamp": 12345,
	})

	ack := readFrame(t, conn)
	assert.Equal(t, "input:ack", ack["type"])
	assert.EqualValues(t, 12345, ack["timestamp"])

	// The input landed in the buffer and shapes the next tick.
	snap := rig.core.Tick()
	res, ok := snap.Get("mood")
	require.True(t, ok)
	assert.InDelta(t, 0.59, res.Value, 1e-9)
}

func TestAudience_Rejections(t *testing.T) {
	rig := newTestRig(t, "")
	conn := dial(t, rig.wsURL("/ws"))
	readFrame(t, conn) // welcome

	tests := []struct {
		name     string
		frame    map[string]any
		wantCode string
	}{
		{
			"unknown parameter",
			map[string]any{"type": "audience:input", "values": map[string]float64{"ghost": 0.5}, "timestamp": 1},
			"validation",
		},
		{
			"out of bounds",
			map[string]any{"type": "audience:input", "values": map[string]float64{"mood": 1.5}, "timestamp": 2},
			"validation",
		},
		{
			"no values",
			map[string]any{"type": "audience:input", "timestamp": 3},
			"validation",
		},
		{
			"unknown type",
			map[string]any{"type": "nonsense"},
			"validation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendFrame(t, conn, tt.frame)
			errFrame := readFrame(t, conn)
			require.Equal(t, "error", errFrame["type"])
			assert.Equal(t, tt.wantCode, errFrame["code"])
		})
	}
}

func TestAudience_QuotaRejection(t *testing.T) {
	rig := newTestRig(t, "")
	conn := dial(t, rig.wsURL("/ws"))
	readFrame(t, conn) // welcome

	// Hammer well past the burst of 40. The tail must come back as
	// quota errors while the connection stays open.
	acks, quotas := 0, 0
	for i := 0; i < 50; i++ {
		sendFrame(t, conn, map[string]any{
			"type":      "audience:input",
			"values":    map[string]float64{"mood": 0.5},
			"timestamp": i,
		})
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "input:ack":
			acks++
		case "error":
			require.Equal(t, "quota", frame["code"])
			quotas++
		}
	}

	assert.GreaterOrEqual(t, acks, 40)
	assert.Greater(t, quotas, 0)

	// Session is still usable for reads: no close frame arrived.
	sendFrame(t, conn, map[string]any{"type": "audience:hello"})
}

func TestAudience_StateUpdateFanout(t *testing.T) {
	rig := newTestRig(t, "")
	rig.server.wireFanout()

	conn := dial(t, rig.wsURL("/ws"))
	readFrame(t, conn) // welcome

	rig.core.Tick()

	frame := readFrame(t, conn)
	require.Equal(t, "state:update", frame["type"])
	values, ok := frame["values"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, values, "mood")
	assert.NotZero(t, frame["tickTimestamp"])
}

func TestAudience_HelloSetsLocation(t *testing.T) {
	rig := newTestRig(t, "")
	conn := dial(t, rig.wsURL("/ws"))
	welcome := readFrame(t, conn)
	sessionID := welcome["sessionId"].(string)

	sendFrame(t, conn, map[string]any{
		"type":     "audience:hello",
		"location": map[string]float64{"x": 10, "y": 20},
	})
	// hello has no reply; prove it landed by asking the registry.
	require.Eventually(t, func() bool {
		loc := rig.server.sessions.Location(sessionID)
		return loc != nil && loc.X == 10 && loc.Y == 20
	}, time.Second, 10*time.Millisecond)
}

func TestPerformer_AuthRequired(t *testing.T) {
	rig := newTestRig(t, "sekrit")

	_, resp, err := websocket.DefaultDialer.Dial(rig.wsURL("/performer"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dial(t, rig.wsURL("/performer?token=sekrit"))
	sendFrame(t, conn, map[string]any{"type": "override:clear", "parameter": "mood"})
	frame := readFrame(t, conn)
	assert.Equal(t, "ack", frame["type"])
}

func TestPerformer_OverrideSetAndClear(t *testing.T) {
	rig := newTestRig(t, "")
	conn := dial(t, rig.wsURL("/performer"))

	value := 0.9
	blend := 0.5
	sendFrame(t, conn, map[string]any{
		"type":        "override:set",
		"parameter":   "mood",
		"mode":        "blend",
		"value":       value,
		"blendFactor": blend,
	})
	frame := readFrame(t, conn)
	require.Equal(t, "ack", frame["type"])
	require.Equal(t, "override:set", frame["op"])

	o, ok := rig.core.Overrides.Get("mood")
	require.True(t, ok)
	assert.Equal(t, engine.OverrideBlend, o.Mode)
	assert.Equal(t, value, o.Value)

	sendFrame(t, conn, map[string]any{"type": "override:clear", "parameter": "mood"})
	readFrame(t, conn)
	_, ok = rig.core.Overrides.Get("mood")
	assert.False(t, ok)
}

func TestPerformer_OverrideValidation(t *testing.T) {
	rig := newTestRig(t, "")
	conn := dial(t, rig.wsURL("/performer"))

	v := 0.5
	bad := 1.7
	tests := []struct {
		name  string
		frame map[string]any
	}{
		{"unknown parameter", map[string]any{"type": "override:set", "parameter": "ghost", "mode": "absolute", "value": v}},
		{"bad mode", map[string]any{"type": "override:set", "parameter": "mood", "mode": "sideways", "value": v}},
		{"missing value", map[string]any{"type": "override:set", "parameter": "mood", "mode": "absolute"}},
		{"out of bounds", map[string]any{"type": "override:set", "parameter": "mood", "mode": "absolute", "value": bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendFrame(t, conn, tt.frame)
			frame := readFrame(t, conn)
			assert.Equal(t, "error", frame["type"])
		})
	}
}

func TestPerformer_ParameterRegister(t *testing.T) {
	rig := newTestRig(t, "")
	conn := dial(t, rig.wsURL("/performer"))

	def := 0.7
	smoothing := 0.2
	sendFrame(t, conn, map[string]any{
		"type":      "parameter:register",
		"name":      "brightness",
		"mode":      "median",
		"default":   def,
		"smoothing": smoothing,
	})
	frame := readFrame(t, conn)
	require.Equal(t, "ack", frame["type"])

	spec, ok := rig.core.Params.Get("brightness")
	require.True(t, ok)
	assert.Equal(t, engine.ModeMedian, spec.Mode)
	assert.Equal(t, def, spec.Default)
	assert.Equal(t, smoothing, spec.Smoothing)

	// Duplicate registration is rejected.
	sendFrame(t, conn, map[string]any{"type": "parameter:register", "name": "brightness", "mode": "median"})
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
}

func TestREST_Endpoints(t *testing.T) {
	rig := newTestRig(t, "")

	resp, err := http.Get(rig.http.URL + "/api/v1/parameters")
	require.NoError(t, err)
	defer resp.Body.Close()
	var specs []ParameterInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&specs))
	require.Len(t, specs, 1)
	assert.Equal(t, "mood", specs[0].Name)

	rig.core.Tick()
	resp, err = http.Get(rig.http.URL + "/api/v1/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap engine.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "mood", snap.Results[0].Parameter)

	resp, err = http.Get(rig.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(rig.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
