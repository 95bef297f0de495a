package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"crewroute/internal/events"
	"crewroute/internal/model"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

// Client messages: subscribe, unsubscribe, ping. Server messages: status, error, complete, pong.
type wsMessage struct {
	Type    string           `json:"type"`
	JobID   string           `json:"jobId,omitempty"`
	Status  *model.JobStatus `json:"status,omitempty"`
	Message string           `json:"message,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(s.AllowedOrigins) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, o := range s.AllowedOrigins {
			if o == "*" || strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
				return true
			}
		}
		return false
	}}
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(m wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(m)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// StatusWSHandler handles /v1/ws: one socket can follow several jobs of the caller.
func (s *Server) StatusWSHandler(w http.ResponseWriter, r *http.Request) {
	owner := principal(r).OwnerID
	raw, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: raw}
	defer func() { _ = raw.Close() }()

	type sub struct {
		ch   chan model.JobStatus
		done chan struct{}
	}
	var mu sync.Mutex
	subs := map[string]*sub{}
	stop := func(jobID string) {
		mu.Lock()
		sb, ok := subs[jobID]
		delete(subs, jobID)
		mu.Unlock()
		if ok {
			close(sb.done)
			s.Broker.Unsubscribe(events.JobTopic(jobID), sb.ch)
		}
	}
	defer func() {
		mu.Lock()
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		mu.Unlock()
		for _, id := range ids {
			stop(id)
		}
	}()

	raw.SetReadLimit(64 << 10)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error { return raw.SetReadDeadline(time.Now().Add(wsPongWait)) })

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wsMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("owner_id", owner).Msg("websocket read")
			}
			return
		}
		switch msg.Type {
		case "ping":
			_ = c.write(wsMessage{Type: "pong"})
		case "unsubscribe":
			stop(msg.JobID)
			_ = c.write(wsMessage{Type: "complete", JobID: msg.JobID})
		case "subscribe":
			if msg.JobID == "" {
				_ = c.write(wsMessage{Type: "error", Message: "jobId required"})
				continue
			}
			mu.Lock()
			_, dup := subs[msg.JobID]
			mu.Unlock()
			if dup {
				continue
			}
			topic := events.JobTopic(msg.JobID)
			ch := s.Broker.Subscribe(topic)
			cur, err := s.Jobs.Status(r.Context(), msg.JobID, owner)
			if err != nil {
				s.Broker.Unsubscribe(topic, ch)
				_ = c.write(wsMessage{Type: "error", JobID: msg.JobID, Message: err.Error()})
				continue
			}
			sb := &sub{ch: ch, done: make(chan struct{})}
			mu.Lock()
			subs[msg.JobID] = sb
			mu.Unlock()
			go s.forward(c, msg.JobID, cur, sb.ch, sb.done, stop)
		default:
			_ = c.write(wsMessage{Type: "error", Message: "unknown message type " + msg.Type})
		}
	}
}

// forward sends the snapshot, then every broker status until the job is terminal.
func (s *Server) forward(c *wsConn, jobID string, cur model.JobStatus, ch chan model.JobStatus, done chan struct{}, stop func(string)) {
	send := func(st model.JobStatus) bool {
		return c.write(wsMessage{Type: "status", JobID: jobID, Status: &st}) == nil
	}
	if !send(cur) {
		return
	}
	if cur.State.Terminal() {
		_ = c.write(wsMessage{Type: "complete", JobID: jobID})
		go stop(jobID)
		return
	}
	for {
		select {
		case <-done:
			return
		case st, ok := <-ch:
			if !ok || !send(st) {
				return
			}
			if st.State.Terminal() {
				_ = c.write(wsMessage{Type: "complete", JobID: jobID})
				go stop(jobID)
				return
			}
		}
	}
}
