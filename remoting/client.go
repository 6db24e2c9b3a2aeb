package remoting

import (
	"sync"
	"time"

	"github.com/squareup/blockmgr/errors"
)

type Client struct {
	connections sync.Map
	lock        sync.Mutex
	rpcTimeout  time.Duration
}

var ErrRPCTimeout = errors.New("timed out waiting for response")

// NewClient creates a client. A zero rpcTimeout waits for responses forever.
func NewClient(rpcTimeout time.Duration) *Client {
	return &Client{rpcTimeout: rpcTimeout}
}

// BroadcastOneWay sends the request to every server without waiting for responses. Delivery is best effort.
func (c *Client) BroadcastOneWay(request ClusterMessage, serverAddresses ...string) {
	for _, serverAddress := range serverAddresses {
		conn, err := c.getConnection(serverAddress)
		if err != nil {
			// best effort - ignore the error
			continue
		}
		if err := c.sendRequestWithRetry(conn, request, nil); err != nil {
			continue
		}
	}
}

func (c *Client) SendRPC(request ClusterMessage, serverAddress string) (ClusterMessage, error) {
	conn, err := c.getConnection(serverAddress)
	if err != nil {
		return nil, err
	}
	rh := &rpcRespHandler{ch: make(chan respHolder, 1)}
	if err := c.sendRequestWithRetry(conn, request, rh); err != nil {
		// Note we do not delete connections on failure - closed connections remain in the map and will be attempted
		// to be recreated next time a request attempt is made. Actively deleting connections introduces a race condition
		// where we could have more than one connection to the same server at same time
		return nil, err
	}
	return rh.waitForResponse(c.rpcTimeout)
}

func (c *Client) Stop() {
	c.connections.Range(func(sa, v interface{}) bool {
		v.(*clientConnection).Close()
		c.connections.Delete(sa)
		return true
	})
}

type respHolder struct {
	resp ClusterMessage
	err  error
}

type rpcRespHandler struct {
	ch chan respHolder
}

func (t *rpcRespHandler) HandleResponse(resp ClusterMessage, err error) {
	t.ch <- respHolder{resp: resp, err: err}
}

func (t *rpcRespHandler) waitForResponse(timeout time.Duration) (ClusterMessage, error) {
	if timeout == 0 {
		rh := <-t.ch
		return rh.resp, rh.err
	}
	select {
	case rh := <-t.ch:
		return rh.resp, rh.err
	case <-time.After(timeout):
		return nil, ErrRPCTimeout
	}
}

func (c *Client) getConnection(serverAddress string) (*clientConnection, error) {
	cc, ok := c.connections.Load(serverAddress)
	if !ok {
		return c.maybeCreateAndCacheConnection(serverAddress, nil)
	}
	return cc.(*clientConnection), nil
}

func (c *Client) maybeCreateAndCacheConnection(serverAddress string, oldConn *clientConnection) (*clientConnection, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	cl, ok := c.connections.Load(serverAddress) // check again under the lock - another gr might have created one
	if ok {
		cc := cl.(*clientConnection)
		// If we're recreating a connection after a failure, then the old conn will still be in the map - we don't
		// want to return that
		if oldConn == nil || oldConn != cc {
			return cc, nil
		}
	}
	cc, err := createConnection(serverAddress)
	if err != nil {
		return nil, err
	}
	c.connections.Store(serverAddress, cc)
	return cc, nil
}

func (c *Client) sendRequestWithRetry(conn *clientConnection, request ClusterMessage, rh responseHandler) error {
	if err := conn.SendRequestAsync(request, rh); err != nil {
		// It's possible the connection is cached but is closed - e.g. it hasn't been used for some time and has
		// been closed by a NAT / firewall - in this case we will try and connect again
		conn, err = c.maybeCreateAndCacheConnection(conn.serverAddress, conn)
		if err != nil {
			return err
		}
		if err = conn.SendRequestAsync(request, rh); err != nil {
			return err
		}
	}
	return nil
}
