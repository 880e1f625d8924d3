package relay

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("relay")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendQueueDepth = 64
)

// Server is the signaling relay. Mount it at /ws.
type Server struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*serverConn // room → peer id → conn
}

type serverConn struct {
	id   string
	room string
	ws   *websocket.Conn
	send chan Frame
	once sync.Once
	done chan struct{}
}

func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers connect from anywhere; the relay carries no credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*serverConn),
	}
}

// Handler returns a mux with the relay on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	return mux
}

// ListenAndServe runs the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		s.closeAll()
	}()

	log.Infof("signaling relay listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Peers returns the sorted peer ids currently in room.
func (s *Server) Peers(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrade failed: %v", err)
		return
	}
	c := &serverConn{
		ws:   ws,
		send: make(chan Frame, sendQueueDepth),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	s.readLoop(c)
}

func (s *Server) readLoop(c *serverConn) {
	defer func() {
		s.leave(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("read from %s: %v", util.ShortID(c.id), err)
			}
			return
		}

		switch {
		case f.Type == KindJoin:
			s.join(c, f.Room)
		case c.id == "":
			c.enqueue(Frame{Type: KindError, Error: "join a room first"})
		case relayable(f.Type):
			s.forward(c, f)
		default:
			c.enqueue(Frame{Type: KindError, Error: "unsupported frame type " + string(f.Type)})
		}
	}
}

func (s *Server) join(c *serverConn, room string) {
	room, err := util.ValidateName(room)
	if err != nil {
		c.enqueue(Frame{Type: KindError, Error: "room: " + err.Error()})
		return
	}
	if c.id != "" {
		c.enqueue(Frame{Type: KindError, Error: "already joined " + c.room})
		return
	}

	s.mu.Lock()
	c.id = uuid.NewString()
	c.room = room
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]*serverConn)
		s.rooms[room] = members
	}
	others := make([]*serverConn, 0, len(members))
	for _, o := range members {
		others = append(others, o)
	}
	members[c.id] = c
	s.mu.Unlock()

	c.enqueue(Frame{Type: KindJoined, Room: room, YourID: c.id})
	for _, o := range others {
		c.enqueue(Frame{Type: KindPeerOnline, Peer: o.id})
		o.enqueue(Frame{Type: KindPeerOnline, Peer: c.id})
	}
	log.Infof("%s joined %s (%d peers)", util.ShortID(c.id), room, len(others)+1)
}

func (s *Server) forward(c *serverConn, f Frame) {
	s.mu.Lock()
	target := s.rooms[c.room][f.To]
	s.mu.Unlock()

	if target == nil {
		c.enqueue(Frame{Type: KindError, Error: "unknown peer " + f.To})
		return
	}
	target.enqueue(Frame{Type: f.Type, From: c.id, Payload: f.Payload})
}

func (s *Server) leave(c *serverConn) {
	if c.id == "" {
		return
	}
	s.mu.Lock()
	members := s.rooms[c.room]
	delete(members, c.id)
	if len(members) == 0 {
		delete(s.rooms, c.room)
	}
	others := make([]*serverConn, 0, len(members))
	for _, o := range members {
		others = append(others, o)
	}
	s.mu.Unlock()

	for _, o := range others {
		o.enqueue(Frame{Type: KindPeerOffline, Peer: c.id})
	}
	log.Infof("%s left %s", util.ShortID(c.id), c.room)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	var conns []*serverConn
	for _, members := range s.rooms {
		for _, c := range members {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// enqueue never blocks; a peer that cannot keep up is disconnected.
func (c *serverConn) enqueue(f Frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		log.Warnf("send queue full for %s, disconnecting", util.ShortID(c.id))
		c.close()
	}
}

func (c *serverConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
