package remoting

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/errors"
)

const (
	readBuffSize      = 8 * 1024
	messageHeaderSize = 5 // 1 byte message type, 4 bytes length
	maxMessageSize    = 64 * 1024 * 1024
)

type Server interface {
	Start() error

	Stop() error

	RegisterMessageHandler(messageType ClusterMessageType, handler ClusterMessageHandler)
}

func NewServer(listenAddress string) Server {
	return newServer(listenAddress)
}

func newServer(listenAddress string) *server {
	return &server{
		listenAddress: listenAddress,
	}
}

type server struct {
	listenAddress     string
	listener          net.Listener
	started           bool
	lock              sync.RWMutex
	acceptLoopCh      chan struct{}
	connections       sync.Map
	messageHandlers   sync.Map
	responsesDisabled common.AtomicBool
	connCount         int64
}

func (s *server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	list, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return errors.WithStack(err)
	}
	s.listener = list
	s.acceptLoopCh = make(chan struct{})
	s.started = true
	go s.acceptLoop()
	return nil
}

func (s *server) acceptLoop() {
	defer close(s.acceptLoopCh)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Ok - was closed
			return
		}
		c := s.newConnection(conn)
		s.connections.Store(c, struct{}{})
		c.start()
	}
}

func (s *server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		return errors.WithStack(err)
	}
	// Wait for accept loop to exit
	<-s.acceptLoopCh
	// Now close connections
	s.connections.Range(func(conn, _ interface{}) bool {
		conn.(*connection).stop()
		return true
	})
	s.started = false
	return nil
}

func (s *server) ListenAddress() string {
	return s.listenAddress
}

func (s *server) RegisterMessageHandler(messageType ClusterMessageType, handler ClusterMessageHandler) {
	_, ok := s.messageHandlers.Load(messageType)
	if ok {
		panic(fmt.Sprintf("message handler with type %d already registered", messageType))
	}
	s.messageHandlers.Store(messageType, handler)
}

func (s *server) lookupMessageHandler(clusterMessage ClusterMessage) (ClusterMessageHandler, error) {
	l, ok := s.messageHandlers.Load(TypeForClusterMessage(clusterMessage))
	if !ok {
		return nil, errors.Errorf("no message handler for type %d", TypeForClusterMessage(clusterMessage))
	}
	return l.(ClusterMessageHandler), nil
}

func (s *server) removeConnection(conn *connection) {
	s.connections.Delete(conn)
}

// DisableResponses is used to disable responses - for testing only
func (s *server) DisableResponses() {
	s.responsesDisabled.Set(true)
}

func (s *server) newConnection(conn net.Conn) *connection {
	cc := atomic.AddInt64(&s.connCount, 1)
	log.Tracef("server conn count is now %d", cc)
	c := &connection{
		s:              s,
		conn:           conn,
		readLoopExitCh: make(chan struct{}),
		handlerExitCh:  make(chan struct{}),
	}
	c.msgCond = sync.NewCond(&c.msgLock)
	return c
}

type connection struct {
	s              *server
	conn           net.Conn
	readLoopExitCh chan struct{}
	writeLock      sync.Mutex
	msgLock        sync.Mutex
	msgCond        *sync.Cond
	pending        [][]byte
	closed         bool
	handlerExitCh  chan struct{}
}

func (c *connection) start() {
	go c.readLoop()
	go c.handleMessageLoop()
}

func (c *connection) readLoop() {
	readMessage(c.handleMessage, c.conn, func() {
		c.msgLock.Lock()
		c.closed = true
		c.msgCond.Signal()
		c.msgLock.Unlock()
		close(c.readLoopExitCh)
	})
	c.s.removeConnection(c)
	ccc := atomic.AddInt64(&c.s.connCount, -1)
	log.Tracef("server conn count is now %d", ccc)
}

// Requests are executed on a different goroutine to the read loop, as we need to be able to answer heartbeats even
// when we are processing other messages. Requests from one connection are handled in the order they arrive.
func (c *connection) handleMessageLoop() {
	defer close(c.handlerExitCh)
	for {
		c.msgLock.Lock()
		for len(c.pending) == 0 && !c.closed {
			c.msgCond.Wait()
		}
		if len(c.pending) == 0 {
			c.msgLock.Unlock()
			return
		}
		msg := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.msgLock.Unlock()
		c.handleRequest(msg)
	}
}

func (c *connection) handleMessage(msgType messageType, msg []byte) error {
	switch msgType {
	case heartbeatMessageType:
		if !c.s.responsesDisabled.Get() {
			if err := c.write(heartbeatMessageType, nil); err != nil {
				log.Errorf("failed to write heartbeat %+v", err)
			}
		}
		return nil
	case requestMessageType:
		c.msgLock.Lock()
		c.pending = append(c.pending, msg)
		c.msgCond.Signal()
		c.msgLock.Unlock()
		return nil
	default:
		return errors.Errorf("unexpected message type %d", msgType)
	}
}

func (c *connection) handleRequest(msg []byte) {
	request := &ClusterRequest{}
	if err := request.deserialize(msg); err != nil {
		log.Errorf("failed to deserialize message %+v", err)
		return
	}
	var respMsg ClusterMessage
	handler, respErr := c.s.lookupMessageHandler(request.requestMessage)
	if respErr == nil {
		respMsg, respErr = handler.HandleMessage(request.requestMessage)
	}
	if respErr != nil {
		log.Errorf("failed to handle cluster message %+v", respErr)
	}
	if request.requiresResponse && !c.s.responsesDisabled.Get() {
		if err := c.sendResponse(request, respMsg, respErr); err != nil {
			log.Errorf("failed to send response %+v", err)
		}
	}
}

func (c *connection) sendResponse(nf *ClusterRequest, respMsg ClusterMessage, respErr error) error {
	resp := &ClusterResponse{
		sequence:        nf.sequence,
		responseMessage: respMsg,
	}
	if respErr == nil {
		resp.ok = true
	} else {
		var be errors.BlockError
		if errors.As(respErr, &be) {
			resp.errCode = int(be.Code)
			resp.errMsg = be.Msg
		} else {
			resp.errCode = errors.InternalError
			resp.errMsg = respErr.Error()
		}
	}
	buff, err := resp.serialize(nil)
	if err != nil {
		return err
	}
	return c.write(responseMessageType, buff)
}

func (c *connection) write(msgType messageType, msg []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return writeMessage(msgType, msg, c.conn)
}

func (c *connection) stop() {
	c.conn.Close() //nolint:errcheck
	<-c.readLoopExitCh
	<-c.handlerExitCh // in progress requests finish first
}
