package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/observerproto"
)

// PoseSink receives observer poses from connected sessions.
type PoseSink interface {
	SetPose(sessionID string, pose observerproto.PoseMsg)
	Leave(sessionID string)
}

type Config struct {
	RunID  string
	Params observerproto.StreamParams
	// AllowRemote accepts non-loopback clients.
	AllowRemote bool
}

type session struct {
	id        string
	out       chan []byte
	mapRadius atomic.Int32
}

type Stats struct {
	Sessions int    `json:"sessions"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
}

type Server struct {
	cfg   Config
	poses PoseSink
	log   *log.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	tick     atomic.Uint64

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewServer(cfg Config, poses PoseSink, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		cfg:      cfg,
		poses:    poses,
		log:      logger,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.cfg.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.cfg.RunID,
			Tick:            s.tick.Load(),
			Params:          s.cfg.Params,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		sess := &session{id: uuid.NewString(), out: make(chan []byte, 32)}
		sess.mapRadius.Store(int32(sub.MapRadius))
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		s.log.Printf("observer %s connected from %s", sess.id, r.RemoteAddr)
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
			if s.poses != nil {
				s.poses.Leave(sess.id)
			}
			s.log.Printf("observer %s disconnected", sess.id)
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
					s.sent.Add(1)
				}
			}
		}()

		// Reader loop: POSE updates and SUBSCRIBE changes.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var head struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &head); err != nil {
				continue
			}
			switch head.Type {
			case observerproto.TypePose:
				var p observerproto.PoseMsg
				if err := json.Unmarshal(msg, &p); err != nil || !validPose(p) {
					continue
				}
				if s.poses != nil {
					s.poses.SetPose(sess.id, p)
				}
			case observerproto.TypeSubscribe:
				var sub observerproto.SubscribeMsg
				if err := json.Unmarshal(msg, &sub); err != nil || sub.ProtocolVersion != observerproto.Version {
					continue
				}
				normalizeSubscribe(&sub)
				sess.mapRadius.Store(int32(sub.MapRadius))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// MapRadius is the largest map radius any session asked for; 0 means none.
func (s *Server) MapRadius() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := 0
	for _, sess := range s.sessions {
		if v := int(sess.mapRadius.Load()); v > r {
			r = v
		}
	}
	return r
}

// Broadcast sends msg to every session. Sessions that did not ask for a map
// get it without one. Slow sessions drop messages instead of blocking.
func (s *Server) Broadcast(msg observerproto.TickMsg) {
	s.tick.Store(msg.Tick)
	msg.Type = observerproto.TypeTick
	msg.ProtocolVersion = observerproto.Version

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sessions) == 0 {
		return
	}
	var withMap, withoutMap []byte
	for _, sess := range s.sessions {
		var b []byte
		if sess.mapRadius.Load() > 0 && msg.Map != nil {
			if withMap == nil {
				withMap, _ = json.Marshal(msg)
			}
			b = withMap
		} else {
			if withoutMap == nil {
				m := msg
				m.Map = nil
				withoutMap, _ = json.Marshal(m)
			}
			b = withoutMap
		}
		select {
		case sess.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	return Stats{Sessions: n, Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.MapRadius < 0 {
		sub.MapRadius = 0
	}
	if sub.MapRadius > 32 {
		sub.MapRadius = 32
	}
}

func validPose(p observerproto.PoseMsg) bool {
	for _, v := range []float64{p.X, p.Z, p.DirX, p.DirZ} {
		if v != v || v > 1e9 || v < -1e9 {
			return false
		}
	}
	return true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
