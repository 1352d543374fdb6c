package main

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/observerproto"
	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/stream/coordinator"
)

var cellStyles = map[byte]tcell.Style{
	'.': tcell.StyleDefault.Foreground(tcell.ColorGray),
	'q': tcell.StyleDefault.Foreground(tcell.ColorYellow),
	'l': tcell.StyleDefault.Foreground(tcell.ColorAqua),
	'#': tcell.StyleDefault.Foreground(tcell.ColorGreen),
}

// statusRows is the number of screen rows reserved below the map.
const statusRows = 3

type viewer struct {
	coord *coordinator.Coordinator
	tune  tuning.Tuning
	pos   mgl64.Vec2
	dir   mgl64.Vec2
	step  float64
}

func newViewer(c *coordinator.Coordinator, t tuning.Tuning) *viewer {
	return &viewer{
		coord: c,
		tune:  t,
		dir:   mgl64.Vec2{0, 1},
		step:  float64(t.ChunkSize) / 2,
	}
}

// handleKey applies a key press and reports whether the viewer should exit.
func (v *viewer) handleKey(ev *tcell.EventKey) bool {
	var d mgl64.Vec2
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyUp:
		d = mgl64.Vec2{0, -1}
	case tcell.KeyDown:
		d = mgl64.Vec2{0, 1}
	case tcell.KeyLeft:
		d = mgl64.Vec2{-1, 0}
	case tcell.KeyRight:
		d = mgl64.Vec2{1, 0}
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q', 'Q':
			return true
		case 'w', 'W':
			d = mgl64.Vec2{0, -1}
		case 's', 'S':
			d = mgl64.Vec2{0, 1}
		case 'a', 'A':
			d = mgl64.Vec2{-1, 0}
		case 'd', 'D':
			d = mgl64.Vec2{1, 0}
		case '+':
			v.step *= 2
		case '-':
			if v.step > 1 {
				v.step /= 2
			}
		}
	}
	if d != (mgl64.Vec2{}) {
		v.pos = v.pos.Add(d.Mul(v.step))
		v.dir = d
	}
	return false
}

func (v *viewer) tick(now time.Time) {
	v.coord.Tick(v.pos, v.dir, now)
}

// mapRadius fits the square map into a w by h screen.
func mapRadius(w, h int) int {
	r := (w - 1) / 2
	if hr := (h - statusRows - 1) / 2; hr < r {
		r = hr
	}
	if r < 0 {
		r = 0
	}
	return r
}

func (v *viewer) draw(s tcell.Screen) {
	s.Clear()
	w, h := s.Size()
	st := v.coord.Stats()
	r := mapRadius(w, h)
	center := chunk.Key{CX: st.ObserverChunk[0], CZ: st.ObserverChunk[1]}
	m := observerproto.NewChunkMap(center, r, v.coord.State)
	for y, row := range m.Rows {
		for x := 0; x < len(row); x++ {
			c := row[x]
			rn := rune(c)
			if x == r && y == r {
				rn = '@'
			}
			s.SetContent(x, y, rn, nil, cellStyles[c])
		}
	}
	base := 2*r + 1
	for i, line := range statusLines(st, v.pos) {
		drawText(s, 0, base+i, line, tcell.StyleDefault)
	}
	s.Show()
}

func statusLines(st coordinator.Stats, pos mgl64.Vec2) []string {
	return []string{
		fmt.Sprintf("tick %d  pos %.1f,%.1f  chunk %d,%d  %s/%s  step %.2fms",
			st.Tick, pos[0], pos[1], st.ObserverChunk[0], st.ObserverChunk[1], st.LoaderMode, st.ExecutionMode, st.StepMS),
		fmt.Sprintf("resident %d  loading %d  queued %d  busy %d  hit %.0f%%  fail %d  evict %d",
			st.Resident, st.Loading, st.Queued, st.WorkerBusy(), st.Cache.HitRate*100, st.Failures, st.Evictions),
		"arrows/wasd move  +/- speed  q quit",
	}
}

func drawText(s tcell.Screen, x, y int, text string, style tcell.Style) {
	for i, r := range text {
		s.SetContent(x+i, y, r, nil, style)
	}
}
