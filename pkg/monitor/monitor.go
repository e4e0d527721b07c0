// Package monitor streams pipeline bus events to websocket clients as JSON.
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/pipeline"
)

// Config holds the monitor connection settings.
type Config struct {
	// WriteWait bounds a single write to a client.
	WriteWait  time.Duration
	PingPeriod time.Duration
	// Backlog is the number of events queued per client. A client that
	// falls further behind misses events.
	Backlog int
}

func DefaultConfig() Config {
	return Config{
		WriteWait:  5 * time.Second,
		PingPeriod: 30 * time.Second,
		Backlog:    256,
	}
}

// Message is the JSON form of a bus event.
type Message struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	Component string    `json:"component,omitempty"`
	Event     string    `json:"event,omitempty"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorName string    `json:"error_name,omitempty"`
}

// MessageOf converts a bus event.
func MessageOf(evt pipeline.Event) Message {
	m := Message{Type: evt.Type.String(), Time: evt.Timestamp, Component: evt.Component}
	switch p := evt.Payload.(type) {
	case omx.Event:
		m.Event = p.String()
		if p.Kind == omx.EventCmdComplete && p.Command == omx.CommandStateSet {
			m.State = omx.State(p.Data1).String()
		}
		if p.Err != nil {
			m.Error = p.Err.Error()
			m.ErrorName = omx.ErrorName(p.Err)
		}
	case omx.State:
		m.State = p.String()
	}
	return m
}

// Server serves the event stream of one bus.
type Server struct {
	bus      pipeline.Bus
	cfg      Config
	upgrader websocket.Upgrader
	log      *logrus.Entry

	mu      sync.Mutex
	clients int
}

func New(bus pipeline.Bus, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	return &Server{
		bus: bus,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logrus.WithField("module", "monitor"),
	}
}

// Handler serves /events and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.ServeEvents)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

func (s *Server) track(delta int) {
	s.mu.Lock()
	s.clients += delta
	s.mu.Unlock()
}

// ServeEvents upgrades the request and streams events until the client
// goes away.
func (s *Server) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := s.log.WithField("peer", r.RemoteAddr)

	events := make(chan pipeline.Event, s.cfg.Backlog)
	s.bus.SubscribeAll(events)
	defer s.bus.UnsubscribeAll(events)
	s.track(1)
	defer s.track(-1)
	log.Debug("monitor client connected")

	// Clients only send control frames; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			log.Debug("monitor client left")
			return
		case <-r.Context().Done():
			return
		case evt := <-events:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteJSON(MessageOf(evt)); err != nil {
				log.WithError(err).Debug("monitor write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
