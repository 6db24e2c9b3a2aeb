package remoting

import (
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/errors"
)

type clientConnection struct {
	lock          sync.RWMutex
	netConn       net.Conn
	closeGroup    sync.WaitGroup
	respHandlers  sync.Map
	reqSequence   int64
	closed        bool
	serverAddress string
}

type responseHandler interface {
	HandleResponse(resp ClusterMessage, err error)
}

var ErrConnectionClosed = errors.New("connection closed")

func createConnection(serverAddress string) (*clientConnection, error) {
	netConn, err := createNetConnection(serverAddress)
	if err != nil {
		return nil, err
	}
	cc := &clientConnection{
		netConn:       netConn,
		serverAddress: serverAddress,
	}
	cc.start()
	return cc, nil
}

// SendRequestAsync writes the request. If respHandler is nil the server won't send a response.
func (c *clientConnection) SendRequestAsync(message ClusterMessage, respHandler responseHandler) error {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	seq := atomic.AddInt64(&c.reqSequence, 1)
	cr := &ClusterRequest{
		requiresResponse: respHandler != nil,
		sequence:         seq,
		requestMessage:   message,
	}
	buf, err := cr.serialize(nil)
	if err != nil {
		return err
	}
	if respHandler != nil {
		c.respHandlers.Store(seq, respHandler)
	}
	if err := writeMessage(requestMessageType, buf, c.netConn); err != nil {
		c.respHandlers.Delete(seq)
		return err
	}
	return nil
}

func (c *clientConnection) start() {
	c.closeGroup.Add(1)
	go readMessage(c.handleMessage, c.netConn, func() {
		c.lock.Lock()
		c.closed = true
		c.lock.Unlock()
		// We notify any waiting response handlers that the connection is closed
		c.respHandlers.Range(func(seq, v interface{}) bool {
			c.respHandlers.Delete(seq)
			v.(responseHandler).HandleResponse(nil, ErrConnectionClosed)
			return true
		})
		c.closeGroup.Done()
	})
}

func (c *clientConnection) Close() {
	c.lock.Lock()
	c.closed = true
	c.lock.Unlock() // Note, we must unlock before closing the connection to avoid deadlock
	c.netConn.Close() //nolint:errcheck
	c.closeGroup.Wait()
}

func (c *clientConnection) ServerAddress() string {
	return c.serverAddress
}

func (c *clientConnection) handleMessage(msgType messageType, msg []byte) error {
	if msgType != responseMessageType {
		return errors.Errorf("unexpected message type %d", msgType)
	}
	resp := &ClusterResponse{}
	if err := resp.deserialize(msg); err != nil {
		log.Errorf("failed to deserialize %v", err)
		return err
	}
	r, ok := c.respHandlers.LoadAndDelete(resp.sequence)
	if !ok {
		return errors.New("failed to find response handler")
	}
	handler := r.(responseHandler)
	if !resp.ok {
		handler.HandleResponse(nil, errors.NewBlockError(errors.ErrorCode(resp.errCode), resp.errMsg))
	} else {
		handler.HandleResponse(resp.responseMessage, nil)
	}
	return nil
}

func createNetConnection(serverAddress string) (*net.TCPConn, error) {
	addr, err := net.ResolveTCPAddr("tcp", serverAddress)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	nc, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err = nc.SetNoDelay(true); err != nil {
		return nil, errors.WithStack(err)
	}
	return nc, nil
}
