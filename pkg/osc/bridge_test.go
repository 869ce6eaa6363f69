package osc

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/stagemesh/crowdmix/pkg/bus"
	"github.com/stagemesh/crowdmix/pkg/engine"
	"github.com/stagemesh/crowdmix/pkg/util"
)

// fakeRemote is a UDP listener standing in for the downstream OSC
// consumer (lighting desk / synthesis rig).
func fakeRemote(t *testing.T) (net.PacketConn, int) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func readPacket(t *testing.T, conn net.PacketConn) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no packet arrived: %v", err)
	}
	return buf[:n]
}

func TestAddress_PrefixNormalization(t *testing.T) {
	logger, _ := util.NewLogger()
	sugar := logger.Sugar()

	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"plain", "/crowdmix", "/crowdmix/mood"},
		{"missing leading slash", "crowdmix", "/crowdmix/mood"},
		{"trailing slash stripped", "/crowdmix/", "/crowdmix/mood"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBridge(Config{Prefix: tt.prefix, RemoteHost: "127.0.0.1", RemotePort: 9}, clock.New(), sugar)
			if got := b.Address("mood"); got != tt.want {
				t.Errorf("Address() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBridge_SnapshotBecomesBundle(t *testing.T) {
	logger, _ := util.NewLogger()
	sugar := logger.Sugar()

	remote, port := fakeRemote(t)
	b := NewBridge(Config{Prefix: "/crowdmix", RemoteHost: "127.0.0.1", RemotePort: port}, clock.New(), sugar)

	b.onSnapshot(bus.Event{
		Kind: bus.ConsensusSnapshot,
		Snapshot: &engine.Snapshot{
			Timestamp: time.Now().UnixMilli(),
			Results: []engine.ConsensusResult{
				{Parameter: "mood", Value: 0.59},
				{Parameter: "tempo", Value: 0.7},
			},
		},
	})

	packet := readPacket(t, remote)
	if !bytes.HasPrefix(packet, []byte("#bundle")) {
		t.Fatalf("expected an OSC bundle, got %q", packet[:8])
	}
	if !bytes.Contains(packet, []byte("/crowdmix/mood")) {
		t.Error("bundle missing /crowdmix/mood message")
	}
	if !bytes.Contains(packet, []byte("/crowdmix/tempo")) {
		t.Error("bundle missing /crowdmix/tempo message")
	}
}

func TestBridge_PingAnsweredWithPong(t *testing.T) {
	logger, _ := util.NewLogger()
	sugar := logger.Sugar()

	remote, port := fakeRemote(t)
	b := NewBridge(Config{Prefix: "/crowdmix", RemoteHost: "127.0.0.1", RemotePort: port}, clock.New(), sugar)

	b.handlePing(nil)

	packet := readPacket(t, remote)
	if !bytes.Contains(packet, []byte("/crowdmix/pong")) {
		t.Fatalf("expected /crowdmix/pong, got %q", packet)
	}
}

func TestBridge_EndToEndViaBus(t *testing.T) {
	logger, _ := util.NewLogger()
	sugar := logger.Sugar()

	remote, port := fakeRemote(t)
	pb := bus.New(16, sugar)

	b := NewBridge(Config{
		Prefix:     "/crowdmix",
		LocalPort:  0, // ephemeral; we only exercise the outbound path
		RemoteHost: "127.0.0.1",
		RemotePort: port,
	}, clock.New(), sugar)
	if err := b.Start(pb); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	pb.PublishSnapshot(&engine.Snapshot{
		Timestamp: time.Now().UnixMilli(),
		Results:   []engine.ConsensusResult{{Parameter: "mood", Value: 0.42}},
	})

	packet := readPacket(t, remote)
	if !bytes.Contains(packet, []byte("/crowdmix/mood")) {
		t.Fatalf("snapshot did not reach the OSC remote: %q", packet)
	}
}
