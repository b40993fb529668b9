// Package broker implements the routing-broker transport backend over
// ZeroMQ ROUTER/DEALER sockets: the server side is a ClientConnection
// addressing peers by routing id, the client side is a
// ServerConnection that reconnects transparently.
package broker

import (
	"sync"

	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/boscosiu/Whisker/internal/transport"
)

const disconnectByte = "D"

// Server is a ClientConnection backed by a ROUTER socket. One service
// goroutine receives from the socket; Send/Broadcast write to it from
// the caller's goroutine, serialized with each other by a mutex.
type Server struct {
	logger *zap.SugaredLogger

	ctx    *zmq4.Context
	router *zmq4.Socket

	shutdownSend *zmq4.Socket
	shutdownRecv *zmq4.Socket

	handlers *transport.HandlerSet
	onState  transport.ConnectionStateHandler

	mu        sync.Mutex
	connected map[string]bool

	sendMu sync.Mutex

	wg sync.WaitGroup
}

// NewServer binds a ROUTER socket at addr (e.g. "tcp://*:5555") and
// starts the service goroutine. handlers dispatches inbound
// application messages; onState is called on connect/disconnect.
func NewServer(addr string, handlers *transport.HandlerSet, onState transport.ConnectionStateHandler, logger *zap.SugaredLogger) (*Server, error) {
	zctx, err := zmq4.NewContext()
	if err != nil {
		return nil, errors.Wrap(err, "creating zmq context")
	}

	router, err := zctx.NewSocket(zmq4.ROUTER)
	if err != nil {
		return nil, errors.Wrap(err, "creating router socket")
	}
	_ = router.SetRouterHandover(true)
	_ = router.SetLinger(0)
	_ = router.SetRouterNotify(zmq4.NOTIFY_CONNECT | zmq4.NOTIFY_DISCONNECT)
	_ = router.SetDisconnectMsg(disconnectByte)

	if err := router.Bind(addr); err != nil {
		return nil, errors.Wrapf(err, "binding router socket to %q", addr)
	}

	shutdownRecv, err := zctx.NewSocket(zmq4.PAIR)
	if err != nil {
		return nil, errors.Wrap(err, "creating shutdown pair (recv)")
	}
	if err := shutdownRecv.Bind("inproc://broker-shutdown"); err != nil {
		return nil, errors.Wrap(err, "binding shutdown pair")
	}
	shutdownSend, err := zctx.NewSocket(zmq4.PAIR)
	if err != nil {
		return nil, errors.Wrap(err, "creating shutdown pair (send)")
	}
	if err := shutdownSend.Connect("inproc://broker-shutdown"); err != nil {
		return nil, errors.Wrap(err, "connecting shutdown pair")
	}

	s := &Server{
		logger:       logger,
		ctx:          zctx,
		router:       router,
		shutdownSend: shutdownSend,
		shutdownRecv: shutdownRecv,
		handlers:     handlers,
		onState:      onState,
		connected:    make(map[string]bool),
	}

	s.wg.Add(1)
	go s.messageLoop()

	return s, nil
}

func (s *Server) messageLoop() {
	defer s.wg.Done()

	poller := zmq4.NewPoller()
	poller.Add(s.router, zmq4.POLLIN)
	poller.Add(s.shutdownRecv, zmq4.POLLIN)

	for {
		polled, err := poller.Poll(-1)
		if err != nil {
			s.logger.Warnw("broker poll failed", "error", err)
			return
		}

		for _, item := range polled {
			switch item.Socket {
			case s.shutdownRecv:
				s.shutdownRecv.RecvBytes(0)
				return
			case s.router:
				s.handleIncoming()
			}
		}
	}
}

func (s *Server) handleIncoming() {
	routingID, err := s.router.Recv(0)
	if err != nil {
		s.logger.Warnw("broker recv routing id failed", "error", err)
		return
	}
	payload, err := s.router.RecvBytes(0)
	if err != nil {
		s.logger.Warnw("broker recv payload failed", "error", err)
		return
	}

	switch {
	case len(payload) == 0:
		s.mu.Lock()
		s.connected[routingID] = true
		s.mu.Unlock()
		if s.onState != nil {
			s.onState(routingID, true)
		}
	case len(payload) == 1 && payload[0] == disconnectByte[0]:
		s.mu.Lock()
		delete(s.connected, routingID)
		s.mu.Unlock()
		if s.onState != nil {
			s.onState(routingID, false)
		}
	default:
		if err := s.handlers.Dispatch(payload, routingID); err != nil {
			s.logger.Warnw("broker dropped message", "routing_id", routingID, "error", err)
		}
	}
}

// Send delivers msg to a single connected peer.
func (s *Server) Send(typeName string, msg interface{}, recipientID string) error {
	blob, err := transport.EncodeMessage(typeName, msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if _, err := s.router.Send(recipientID, zmq4.SNDMORE); err != nil {
		return errors.Wrap(err, "sending routing id frame")
	}
	_, err = s.router.SendBytes(blob, 0)
	return err
}

// Broadcast delivers msg to every currently connected peer.
func (s *Server) Broadcast(typeName string, msg interface{}) error {
	blob, err := transport.EncodeMessage(typeName, msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.connected))
	for id := range s.connected {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, id := range ids {
		if _, err := s.router.Send(id, zmq4.SNDMORE); err != nil {
			s.logger.Warnw("broadcast send failed", "peer", id, "error", err)
			continue
		}
		if _, err := s.router.SendBytes(blob, 0); err != nil {
			s.logger.Warnw("broadcast send failed", "peer", id, "error", err)
		}
	}
	return nil
}

// ConnectedIDs returns the set of currently connected routing ids.
func (s *Server) ConnectedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.connected))
	for id := range s.connected {
		ids = append(ids, id)
	}
	return ids
}

// Stop signals the service goroutine to exit and waits for it. It is
// idempotent.
func (s *Server) Stop() {
	s.shutdownSend.SendBytes([]byte("#"), 0)
	s.wg.Wait()
	s.router.Close()
	s.shutdownSend.Close()
	s.shutdownRecv.Close()
}

// Client is a ServerConnection backed by a DEALER socket, set to the
// client's own declared id as its routing id.
type Client struct {
	logger   *zap.SugaredLogger
	socket   *zmq4.Socket
	onDisc   transport.DisconnectHandler
	handlers *transport.HandlerSet

	sendMu sync.Mutex
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewClient connects a DEALER socket identified by clientID to addr.
func NewClient(addr, clientID string, handlers *transport.HandlerSet, onDisc transport.DisconnectHandler, logger *zap.SugaredLogger) (*Client, error) {
	zctx, err := zmq4.NewContext()
	if err != nil {
		return nil, errors.Wrap(err, "creating zmq context")
	}
	socket, err := zctx.NewSocket(zmq4.DEALER)
	if err != nil {
		return nil, errors.Wrap(err, "creating dealer socket")
	}
	_ = socket.SetLinger(0)
	_ = socket.SetIdentity(clientID)
	_ = socket.SetHiccupMsg(disconnectByte)

	if err := socket.Connect(addr); err != nil {
		return nil, errors.Wrapf(err, "connecting dealer socket to %q", addr)
	}

	c := &Client{
		logger:   logger,
		socket:   socket,
		onDisc:   onDisc,
		handlers: handlers,
		stopCh:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.messageLoop()

	return c, nil
}

func (c *Client) messageLoop() {
	defer c.wg.Done()

	poller := zmq4.NewPoller()
	poller.Add(c.socket, zmq4.POLLIN)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		polled, err := poller.Poll(-1)
		if err != nil {
			return
		}
		if len(polled) == 0 {
			continue
		}

		payload, err := c.socket.RecvBytes(0)
		if err != nil {
			continue
		}

		if len(payload) == 1 && payload[0] == disconnectByte[0] {
			if c.onDisc != nil {
				c.onDisc()
			}
			continue
		}

		if err := c.handlers.Dispatch(payload, ""); err != nil {
			c.logger.Warnw("client dropped message", "error", err)
		}
	}
}

// Send delivers msg to the server.
func (c *Client) Send(typeName string, msg interface{}) error {
	blob, err := transport.EncodeMessage(typeName, msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err = c.socket.SendBytes(blob, 0)
	return err
}

// Stop closes the socket and stops the service goroutine. Idempotent.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.socket.Close()
	c.wg.Wait()
}
