package main

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/observerproto"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/stream/coordinator"
)

// poseTracker keeps the last pose of every connected observer session. The
// session that reported most recently drives the coordinator.
type poseTracker struct {
	mu     sync.Mutex
	poses  map[string]observerproto.PoseMsg
	latest string
}

func newPoseTracker() *poseTracker {
	return &poseTracker{poses: map[string]observerproto.PoseMsg{}}
}

func (p *poseTracker) SetPose(id string, pose observerproto.PoseMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poses[id] = pose
	p.latest = id
}

func (p *poseTracker) Leave(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.poses, id)
	if p.latest == id {
		p.latest = ""
		for other := range p.poses {
			p.latest = other
			break
		}
	}
}

func (p *poseTracker) current() (pos, dir mgl64.Vec2, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pose, ok := p.poses[p.latest]
	if !ok {
		return mgl64.Vec2{}, mgl64.Vec2{}, false
	}
	return mgl64.Vec2{pose.X, pose.Z}, mgl64.Vec2{pose.DirX, pose.DirZ}, true
}

// walkPose is the scripted circular walk used while no observer is connected.
func walkPose(elapsed time.Duration, radius, speed float64) (pos, dir mgl64.Vec2) {
	if radius <= 0 {
		return mgl64.Vec2{}, mgl64.Vec2{0, 1}
	}
	a := speed / radius * elapsed.Seconds()
	sin, cos := math.Sincos(a)
	return mgl64.Vec2{radius * cos, radius * sin}, mgl64.Vec2{-sin, cos}
}

type tickWriter interface {
	WriteTick(persistlog.TickRecord) error
}

type broadcaster interface {
	MapRadius() int
	Broadcast(observerproto.TickMsg)
}

// streamLoop owns the coordinator: every call into it happens on the
// goroutine running run.
type streamLoop struct {
	coord  *coordinator.Coordinator
	poses  *poseTracker
	obs    broadcaster
	ticks  tickWriter
	runID  string
	logger *log.Logger

	walkRadius float64
	walkSpeed  float64

	start   time.Time
	logErrs uint64
}

func (l *streamLoop) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.step(now)
		}
	}
}

func (l *streamLoop) step(now time.Time) {
	if l.start.IsZero() {
		l.start = now
	}
	pos, dir, ok := l.poses.current()
	if !ok {
		pos, dir = walkPose(now.Sub(l.start), l.walkRadius, l.walkSpeed)
	}
	l.coord.Tick(pos, dir, now)
	st := l.coord.Stats()

	if l.ticks != nil {
		err := l.ticks.WriteTick(persistlog.TickRecord{
			RunID:    l.runID,
			Tick:     st.Tick,
			Time:     now.UTC().Format(time.RFC3339Nano),
			Observer: [2]float64{pos[0], pos[1]},
			Forward:  [2]float64{dir[0], dir[1]},
			Stats:    st,
		})
		if err != nil {
			l.logErrs++
			if l.logErrs <= 5 || l.logErrs%100 == 0 {
				l.logger.Printf("tick log: %v (errors=%d)", err, l.logErrs)
			}
		}
	}

	if l.obs == nil {
		return
	}
	msg := observerproto.TickMsg{
		Tick:     st.Tick,
		Observer: [2]float64{pos[0], pos[1]},
		Stats:    st,
	}
	if r := l.obs.MapRadius(); r > 0 {
		center := chunk.Key{CX: st.ObserverChunk[0], CZ: st.ObserverChunk[1]}
		msg.Map = observerproto.NewChunkMap(center, r, l.coord.State)
	}
	l.obs.Broadcast(msg)
}
