// Package osc bridges consensus snapshots onto the downstream OSC
// surface that lighting desks and synthesis rigs listen on.
package osc

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	goosc "github.com/hypebeast/go-osc/osc"
	"go.uber.org/zap"

	"github.com/stagemesh/crowdmix/pkg/bus"
)

// Config mirrors the osc section of the configuration.
type Config struct {
	Prefix     string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// Bridge forwards each consensus snapshot as one OSC bundle, one
// {prefix}/{parameter} float message per parameter, time-tagged with the
// tick timestamp. Incoming {prefix}/ping is answered with {prefix}/pong
// carrying a server timestamp. No other incoming OSC is acted on; in
// particular, values received over OSC never re-enter the bus, which
// would close a feedback loop around the consensus output.
type Bridge struct {
	cfg    Config
	clock  clock.Clock
	log    *zap.SugaredLogger
	client *goosc.Client

	conn       net.PacketConn
	server     *goosc.Server
	unsubscribe func()
}

func NewBridge(cfg Config, clk clock.Clock, log *zap.SugaredLogger) *Bridge {
	prefix := strings.TrimSuffix(cfg.Prefix, "/")
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	cfg.Prefix = prefix
	return &Bridge{
		cfg:    cfg,
		clock:  clk,
		log:    log,
		client: goosc.NewClient(cfg.RemoteHost, cfg.RemotePort),
	}
}

// Address returns the OSC address for a parameter.
func (b *Bridge) Address(parameter string) string {
	return b.cfg.Prefix + "/" + parameter
}

// Start subscribes to the bus and begins listening for incoming OSC on
// the local port.
func (b *Bridge) Start(pb *bus.Bus) error {
	dispatcher := goosc.NewStandardDispatcher()
	if err := dispatcher.AddMsgHandler(b.cfg.Prefix+"/ping", b.handlePing); err != nil {
		return fmt.Errorf("osc dispatcher: %w", err)
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", b.cfg.LocalPort))
	if err != nil {
		return fmt.Errorf("osc listen :%d: %w", b.cfg.LocalPort, err)
	}
	b.conn = conn
	b.server = &goosc.Server{Dispatcher: dispatcher}

	go func() {
		if err := b.server.Serve(conn); err != nil {
			b.log.Debugw("osc_server_closed", "err", err)
		}
	}()

	b.unsubscribe = pb.SubscribeFunc(b.onSnapshot, bus.ConsensusSnapshot)
	b.log.Infow("osc_bridge_started",
		"prefix", b.cfg.Prefix,
		"local_port", b.cfg.LocalPort,
		"remote", fmt.Sprintf("%s:%d", b.cfg.RemoteHost, b.cfg.RemotePort))
	return nil
}

// Close stops the bus subscription and the UDP listener.
func (b *Bridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bridge) onSnapshot(ev bus.Event) {
	if ev.Snapshot == nil {
		return
	}
	bundle := goosc.NewBundle(time.UnixMilli(ev.Snapshot.Timestamp))
	for _, res := range ev.Snapshot.Results {
		msg := goosc.NewMessage(b.Address(res.Parameter))
		msg.Append(float32(res.Value))
		if err := bundle.Append(msg); err != nil {
			b.log.Debugw("osc_bundle_append", "err", err)
			return
		}
	}
	if err := b.client.Send(bundle); err != nil {
		// The remote being down is not the engine's problem; the next
		// tick sends a fresh bundle anyway.
		b.log.Debugw("osc_send", "err", err)
	}
}

func (b *Bridge) handlePing(msg *goosc.Message) {
	pong := goosc.NewMessage(b.cfg.Prefix + "/pong")
	pong.Append(b.clock.Now().UnixMilli())
	if err := b.client.Send(pong); err != nil {
		b.log.Debugw("osc_pong", "err", err)
	}
}
