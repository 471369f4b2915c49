// Package monitor publishes training progress over HTTP: a long-polling
// /current endpoint and a websocket feed at /ws.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtharp/bridgebid/engine"
	log "github.com/sirupsen/logrus"
)

const (
	pollTimeout  = 15 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	clientQueue  = 64
)

// Event kinds
const (
	KindEpisodeStarted = "episode_started"
	KindStep           = "step"
	KindEpisodeDone    = "episode_done"
	KindEval           = "eval"
)

type Event struct {
	Seq    uint64      `json:"seq"`
	Kind   string      `json:"kind"`
	Time   time.Time   `json:"time"`
	Report interface{} `json:"report"`
}

// Server is an engine.Observer that fans events out to HTTP clients.
type Server struct {
	pollTimeout time.Duration
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	cur     Event
	waiters map[*http.Request]chan struct{}
	clients map[*websocket.Conn]chan []byte
}

func New() *Server {
	return &Server{
		pollTimeout: pollTimeout,
		waiters:     make(map[*http.Request]chan struct{}),
		clients:     make(map[*websocket.Conn]chan []byte),
	}
}

func (s *Server) EpisodeStarted(r engine.EpisodeReport) { s.publish(KindEpisodeStarted, r) }
func (s *Server) StepDone(r engine.StepReport)          { s.publish(KindStep, r) }
func (s *Server) EpisodeDone(r engine.EpisodeReport)    { s.publish(KindEpisodeDone, r) }
func (s *Server) Evaluated(r engine.EvalReport)         { s.publish(KindEval, r) }

func (s *Server) publish(kind string, report interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = Event{Seq: s.cur.Seq + 1, Kind: kind, Time: time.Now(), Report: report}
	blob, err := json.Marshal(s.cur)
	if err != nil {
		log.WithError(err).Error("encoding monitor event")
		return
	}
	for _, waitch := range s.waiters {
		select {
		case waitch <- struct{}{}:
		default:
		}
	}
	for conn, ch := range s.clients {
		select {
		case ch <- blob:
		default:
			log.WithField("remote", conn.RemoteAddr()).Warn("monitor client too slow, dropping event")
		}
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/current", s.viewCurrent)
	mux.HandleFunc("/ws", s.viewWS)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	log.WithField("addr", addr).Info("monitor listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// viewCurrent returns the latest event. If the caller already has event seq
// it waits for the next one, up to pollTimeout.
func (s *Server) viewCurrent(rw http.ResponseWriter, req *http.Request) {
	seq, _ := strconv.ParseUint(req.FormValue("seq"), 10, 64)
	waitch := make(chan struct{}, 1)
	s.mu.Lock()
	if s.cur.Seq != seq {
		ev := s.cur
		s.mu.Unlock()
		writeJSON(rw, ev)
		return
	}
	s.waiters[req] = waitch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, req)
		s.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(req.Context(), s.pollTimeout)
	defer cancel()
	select {
	case <-waitch:
	case <-ctx.Done():
	}
	s.mu.Lock()
	ev := s.cur
	s.mu.Unlock()
	writeJSON(rw, ev)
}

func writeJSON(rw http.ResponseWriter, v interface{}) {
	blob, _ := json.Marshal(v)
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(blob)
}

func (s *Server) viewWS(rw http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	ch := make(chan []byte, clientQueue)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()
	log.WithField("remote", conn.RemoteAddr()).Debug("monitor client connected")

	donech := make(chan struct{})
	go func() {
		// drain control frames until the client goes away
		defer close(donech)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	s.writeLoop(conn, ch, donech)

	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) writeLoop(conn *websocket.Conn, ch chan []byte, donech chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		var err error
		select {
		case <-donech:
			return
		case blob := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = conn.WriteMessage(websocket.TextMessage, blob)
		case <-t.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			log.WithError(err).Debug("monitor client write failed")
			return
		}
	}
}

func (s *Server) counts() (waiters, clients int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters), len(s.clients)
}
