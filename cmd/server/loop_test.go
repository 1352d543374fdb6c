package main

import (
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/observerproto"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/coordinator"
)

type tickRec struct{ recs []persistlog.TickRecord }

func (t *tickRec) WriteTick(r persistlog.TickRecord) error {
	t.recs = append(t.recs, r)
	return nil
}

type bcastRec struct {
	radius int
	msgs   []observerproto.TickMsg
}

func (b *bcastRec) MapRadius() int                    { return b.radius }
func (b *bcastRec) Broadcast(m observerproto.TickMsg) { b.msgs = append(b.msgs, m) }

func TestPoseTrackerFollowsLatestSession(t *testing.T) {
	p := newPoseTracker()
	if _, _, ok := p.current(); ok {
		t.Fatalf("empty tracker reported a pose")
	}
	p.SetPose("a", observerproto.PoseMsg{X: 1, Z: 2})
	p.SetPose("b", observerproto.PoseMsg{X: 5, Z: 6, DirZ: 1})
	pos, dir, ok := p.current()
	if !ok || pos != (mgl64.Vec2{5, 6}) || dir != (mgl64.Vec2{0, 1}) {
		t.Fatalf("pos=%v dir=%v ok=%v", pos, dir, ok)
	}
	p.Leave("b")
	pos, _, ok = p.current()
	if !ok || pos != (mgl64.Vec2{1, 2}) {
		t.Fatalf("after leave pos=%v ok=%v", pos, ok)
	}
	p.Leave("a")
	if _, _, ok := p.current(); ok {
		t.Fatalf("tracker still has a pose after all sessions left")
	}
}

func TestWalkPoseStaysOnCircle(t *testing.T) {
	for _, d := range []time.Duration{0, time.Second, 7 * time.Second} {
		pos, dir := walkPose(d, 100, 10)
		if r := pos.Len(); math.Abs(r-100) > 1e-9 {
			t.Fatalf("radius=%v want=100", r)
		}
		if dot := pos.Dot(dir); math.Abs(dot) > 1e-6 {
			t.Fatalf("direction not tangent: dot=%v", dot)
		}
	}
	pos, _ := walkPose(time.Hour, 0, 10)
	if pos != (mgl64.Vec2{}) {
		t.Fatalf("zero radius walk moved: %v", pos)
	}
}

func TestStreamLoopStepLogsAndBroadcasts(t *testing.T) {
	tune := tuning.Defaults()
	tune.ChunkSize = 8
	tune.ChunkHeight = 16
	tune.RenderDistance = 1
	tune.ExecutionMode = tuning.ExecInline
	tune.Cache.Durable = tuning.DurableNone
	tune.TickBudgetMS = 1000
	tune.LookaheadSeconds = 0
	tune.PrefetchRadius = 0
	coord := coordinator.New(tune, coordinator.Deps{})
	defer coord.Close()

	ticks := &tickRec{}
	obs := &bcastRec{radius: 2}
	poses := newPoseTracker()
	poses.SetPose("s", observerproto.PoseMsg{X: 4, Z: 4, DirX: 1})
	l := &streamLoop{
		coord:  coord,
		poses:  poses,
		obs:    obs,
		ticks:  ticks,
		runID:  "run_x",
		logger: log.New(io.Discard, "", 0),
	}
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		l.step(now.Add(time.Duration(i) * 50 * time.Millisecond))
	}

	if len(ticks.recs) != 3 || len(obs.msgs) != 3 {
		t.Fatalf("ticks=%d broadcasts=%d want=3", len(ticks.recs), len(obs.msgs))
	}
	last := ticks.recs[2]
	if last.RunID != "run_x" || last.Tick != 3 || last.Observer != [2]float64{4, 4} {
		t.Fatalf("unexpected tick record: %+v", last)
	}
	m := obs.msgs[2].Map
	if m == nil || m.Radius != 2 || len(m.Rows) != 5 {
		t.Fatalf("unexpected map: %+v", m)
	}
	if got := m.Rows[2][2]; got != '#' {
		t.Fatalf("observer chunk=%q want=#", got)
	}
	if got := m.Rows[0][0]; got != '.' {
		t.Fatalf("corner chunk=%q want=.", got)
	}
}

func TestStreamLoopWalksWithoutObservers(t *testing.T) {
	tune := tuning.Defaults()
	tune.ExecutionMode = tuning.ExecInline
	tune.Cache.Durable = tuning.DurableNone
	tune.RenderDistance = 1
	coord := coordinator.New(tune, coordinator.Deps{})
	defer coord.Close()

	ticks := &tickRec{}
	l := &streamLoop{
		coord:      coord,
		poses:      newPoseTracker(),
		ticks:      ticks,
		logger:     log.New(io.Discard, "", 0),
		walkRadius: 50,
		walkSpeed:  50,
	}
	start := time.Unix(0, 0)
	l.step(start)
	l.step(start.Add(time.Second))
	a, b := ticks.recs[0].Observer, ticks.recs[1].Observer
	if a == b {
		t.Fatalf("scripted walk did not move: %v", a)
	}
	if a != [2]float64{50, 0} {
		t.Fatalf("walk start=%v want=[50 0]", a)
	}
}
