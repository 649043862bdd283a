package sim_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/repcl/repcl/internal/clock"
	"github.com/repcl/repcl/internal/sim"
	"github.com/repcl/repcl/internal/telemetry"
)

func TestSchedulerRunsEventsInTimeOrder(t *testing.T) {
	s := sim.NewScheduler()
	var order []string

	s.Schedule(30*time.Millisecond, func() { order = append(order, "third") })
	s.Schedule(10*time.Millisecond, func() { order = append(order, "first") })
	s.Schedule(20*time.Millisecond, func() { order = append(order, "second") })

	s.Run(time.Second)

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerStopsAtUntil(t *testing.T) {
	s := sim.NewScheduler()
	ran := false
	s.Schedule(2*time.Second, func() { ran = true })
	s.Run(time.Second)
	if ran {
		t.Fatal("event scheduled past `until` should not have run")
	}
}

func TestChannelDeliversToOtherNodes(t *testing.T) {
	s := sim.NewScheduler()
	ch := sim.NewChannel(s, 5_000_000, 50*time.Microsecond)

	var delivered []sim.Frame
	ch.Attach(0, func(f sim.Frame) {})
	ch.Attach(1, func(f sim.Frame) { delivered = append(delivered, f) })
	ch.Attach(2, func(f sim.Frame) { delivered = append(delivered, f) })

	ch.Transmit(0, []byte{1, 2, 3, 4})
	s.Run(time.Second)

	if len(delivered) != 2 {
		t.Fatalf("delivered to %d nodes, want 2", len(delivered))
	}
	for _, f := range delivered {
		if f.SenderID != 0 {
			t.Errorf("SenderID = %d, want 0", f.SenderID)
		}
	}
}

func TestStarTopologyExchangesClockState(t *testing.T) {
	cfg := clock.Config{NumProcs: 3, MaxOffsetSize: 4, Epsilon: 8, Interval: 1}
	s := sim.NewScheduler()
	ch := sim.NewChannel(s, 5_000_000, 100*time.Microsecond)

	tr, err := telemetry.Open(filepath.Join(t.TempDir(), "sim-trace.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	topo := sim.NewStar(s, ch, cfg, time.Millisecond, 100, tr, nil)
	topo.Start()
	s.Run(10 * time.Millisecond)

	for _, n := range topo.Nodes {
		if n.Clock.HLC() == 0 {
			t.Errorf("node %d: HLC never advanced", n.ID)
		}
		if n.Clock.Bitmap() == (1 << n.ID) {
			t.Errorf("node %d: bitmap never gained a peer", n.ID)
		}
	}
}
