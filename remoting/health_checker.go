package remoting

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/errors"
)

func NewHealthChecker(serverAddresses []string, hbTimeout time.Duration, hbInterval time.Duration) *HealthChecker {
	return &HealthChecker{
		serverAddresses: serverAddresses,
		hbTimeout:       hbTimeout,
		hbInterval:      hbInterval,
		connections:     map[string]net.Conn{},
	}
}

type AvailabilityListener interface {
	AvailabilityChanged(serverAddress string, available bool)
}

// HealthChecker sends heartbeats to a set of servers and tells its listeners when a server becomes available or
// unavailable.
type HealthChecker struct {
	started         bool
	serverAddresses []string
	connections     map[string]net.Conn
	availListeners  []AvailabilityListener
	hbTimeout       time.Duration
	hbInterval      time.Duration
	timer           *time.Timer
	lock            sync.Mutex
}

func (h *HealthChecker) AddAvailabilityListener(listener AvailabilityListener) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.availListeners = append(h.availListeners, listener)
}

func (h *HealthChecker) Start() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.checkConnections()
}

func (h *HealthChecker) Stop() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.started {
		return
	}
	h.started = false
	if h.timer != nil {
		h.timer.Stop()
	}
	for sa, conn := range h.connections {
		conn.Close() //nolint:errcheck
		delete(h.connections, sa)
	}
}

// IsAvailable reports whether the last heartbeat to the server succeeded.
func (h *HealthChecker) IsAvailable(serverAddress string) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	_, ok := h.connections[serverAddress]
	return ok
}

func (h *HealthChecker) checkConnections() {
	if !h.started {
		return
	}
	chans := make([]chan net.Conn, len(h.serverAddresses))
	for i, serverAddress := range h.serverAddresses {
		// We do the checks in parallel
		ch := make(chan net.Conn, 1)
		chans[i] = ch
		conn := h.connections[serverAddress]
		go h.checkConnectionWithChan(conn, serverAddress, ch)
	}
	for i, ch := range chans {
		conn := <-ch
		serverAddress := h.serverAddresses[i]
		_, prev := h.connections[serverAddress]
		if !prev && conn != nil {
			// New connection added
			h.connections[serverAddress] = conn
			h.signalAvailabilityChange(serverAddress, true)
		} else if prev && conn == nil {
			// Connection closed
			delete(h.connections, serverAddress)
			h.signalAvailabilityChange(serverAddress, false)
		}
	}
	h.timer = time.AfterFunc(h.hbInterval, h.checkConnectionsWithLock)
}

func (h *HealthChecker) checkConnectionsWithLock() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.checkConnections()
}

func (h *HealthChecker) checkConnectionWithChan(conn net.Conn, serverAddress string, ch chan net.Conn) {
	defer common.PanicHandler()
	ch <- h.checkConnection(conn, serverAddress)
}

func (h *HealthChecker) checkConnection(conn net.Conn, serverAddress string) net.Conn {
	if conn == nil {
		nc, err := createNetConnection(serverAddress)
		if err != nil {
			log.Debugf("health checker failed to connect to %s", serverAddress)
			return nil
		}
		log.Debugf("health checker connected to %s", serverAddress)
		conn = nc
	}
	if err := h.heartbeat(conn); err != nil {
		log.Warnf("heartbeat to %s failed %v", serverAddress, err)
		conn.Close() //nolint:errcheck
		return nil
	}
	return conn
}

func (h *HealthChecker) heartbeat(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(h.hbTimeout)); err != nil {
		return errors.WithStack(err)
	}
	if err := writeMessage(heartbeatMessageType, nil, conn); err != nil {
		return err
	}
	header := make([]byte, messageHeaderSize)
	return readFrame(conn, header, func(msgType messageType, msg []byte) error {
		if msgType != heartbeatMessageType {
			return errors.Errorf("expected heartbeat response, got message type %d", msgType)
		}
		return nil
	})
}

func (h *HealthChecker) signalAvailabilityChange(serverAddress string, available bool) {
	for _, listener := range h.availListeners {
		listener.AvailabilityChanged(serverAddress, available)
	}
}
