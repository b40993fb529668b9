// Package wsock implements the embedded web socket transport backend:
// a ClientConnection served over gorilla/websocket with a required
// client_id query parameter, duplicate-id takeover, per-client
// outbound queues, and optional static file serving with .proto/.map
// MIME overrides.
package wsock

import (
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/boscosiu/Whisker/internal/transport"
)

const (
	clientIDQueryParam = "client_id"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	outboundQueueDepth = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	id       string
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}
}

// Server is a ClientConnection served over HTTP/websocket.
type Server struct {
	logger   *zap.SugaredLogger
	handlers *transport.HandlerSet
	onState  transport.ConnectionStateHandler

	httpServer *http.Server
	addr       string

	mu      sync.Mutex
	clients map[string]*client

	wg sync.WaitGroup
}

// Addr returns the address the server is actually listening on (useful
// when NewServer was given port 0).
func (s *Server) Addr() string {
	return s.addr
}

// NewServer constructs a Server listening at addr. If resourceRoot is
// non-empty, static files are also served from that directory, with
// `.proto` served as text/plain and `.map` as application/json.
func NewServer(addr, resourceRoot string, handlers *transport.HandlerSet, onState transport.ConnectionStateHandler, logger *zap.SugaredLogger) (*Server, error) {
	mime.AddExtensionType(".proto", "text/plain")
	mime.AddExtensionType(".map", "application/json")

	s := &Server{
		logger:   logger,
		handlers: handlers,
		onState:  onState,
		clients:  make(map[string]*client),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/whisker", s.handleUpgrade)
	if resourceRoot != "" {
		mux.Handle("/", http.FileServer(http.Dir(resourceRoot)))
	}

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := newListener(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding websocket listener on %q", addr)
	}
	s.addr = ln.Addr().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.httpServer.Serve(ln)
	}()

	return s, nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(clientIDQueryParam)
	if id == "" {
		s.logger.Warnw("websocket connection refused: missing client_id")
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: id, conn: conn, outbound: make(chan []byte, outboundQueueDepth), done: make(chan struct{})}

	s.mu.Lock()
	if old, exists := s.clients[id]; exists {
		s.mu.Unlock()
		close(old.done)
		old.conn.Close()
		s.mu.Lock()
	}
	s.clients[id] = c
	s.mu.Unlock()

	if s.onState != nil {
		s.onState(id, true)
	}

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.wg.Done()
	defer s.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.handlers.Dispatch(payload, c.id); err != nil {
			s.logger.Warnw("websocket dropped message", "client_id", c.id, "error", err)
		}
	}
}

func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	if current, ok := s.clients[c.id]; ok && current == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	c.conn.Close()
	if s.onState != nil {
		s.onState(c.id, false)
	}
}

// Send delivers msg to a single connected client by id.
func (s *Server) Send(typeName string, msg interface{}, recipientID string) error {
	blob, err := transport.EncodeMessage(typeName, msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c, ok := s.clients[recipientID]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("no connected client with id %q", recipientID)
	}

	select {
	case c.outbound <- blob:
		return nil
	default:
		return errors.Errorf("outbound queue full for client %q", recipientID)
	}
}

// Broadcast delivers msg to every connected client.
func (s *Server) Broadcast(typeName string, msg interface{}) error {
	blob, err := transport.EncodeMessage(typeName, msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		select {
		case c.outbound <- blob:
		default:
			s.logger.Warnw("broadcast dropped: outbound queue full", "client_id", id)
		}
	}
	return nil
}

// ConnectedIDs returns the set of currently connected client ids.
func (s *Server) ConnectedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// Stop closes every connection and shuts down the HTTP listener.
func (s *Server) Stop() {
	s.mu.Lock()
	for _, c := range s.clients {
		close(c.done)
		c.conn.Close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	s.httpServer.Close()
	s.wg.Wait()
}
