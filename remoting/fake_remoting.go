package remoting

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/sched"
	"go.uber.org/zap"
)

// FakeNetwork connects in-process servers. Every message is serialized and deserialized on the way, so handlers see
// exactly what they would over TCP. Messages to one server are handled one at a time in the order they were sent.
type FakeNetwork struct {
	lock     sync.RWMutex
	servers  map[string]*FakeServer
	checkers map[*FakeHealthChecker]struct{}
}

func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		servers:  make(map[string]*FakeServer),
		checkers: make(map[*FakeHealthChecker]struct{}),
	}
}

func (n *FakeNetwork) NewServer(address string) *FakeServer {
	n.lock.Lock()
	defer n.lock.Unlock()
	s := &FakeServer{address: address, network: n}
	n.servers[address] = s
	return s
}

// NewHealthChecker returns a health checker which sees a server as available while it is started.
func (n *FakeNetwork) NewHealthChecker(local string) *FakeHealthChecker {
	return &FakeHealthChecker{network: n, local: local}
}

func (n *FakeNetwork) availabilityChanged(address string, available bool) {
	n.lock.RLock()
	checkers := make([]*FakeHealthChecker, 0, len(n.checkers))
	for checker := range n.checkers {
		checkers = append(checkers, checker)
	}
	n.lock.RUnlock()
	for _, checker := range checkers {
		checker.signalAvailabilityChange(address, available)
	}
}

func (n *FakeNetwork) startedServers() []string {
	n.lock.RLock()
	defer n.lock.RUnlock()
	var addresses []string
	for address, server := range n.servers {
		if server.getInbox() != nil {
			addresses = append(addresses, address)
		}
	}
	return addresses
}

func (n *FakeNetwork) Transport() *FakeTransport {
	return &FakeTransport{network: n}
}

func (n *FakeNetwork) server(address string) *FakeServer {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.servers[address]
}

type FakeServer struct {
	address         string
	network         *FakeNetwork
	lock            sync.Mutex
	inbox           *sched.Scheduler
	messageHandlers sync.Map
}

var _ Server = &FakeServer{}

func (f *FakeServer) Start() error {
	f.lock.Lock()
	if f.inbox != nil {
		f.lock.Unlock()
		return nil
	}
	f.inbox = sched.NewScheduler("inbox-"+f.address, zap.NewNop())
	f.inbox.Start()
	f.lock.Unlock()
	f.network.availabilityChanged(f.address, true)
	return nil
}

func (f *FakeServer) Stop() error {
	f.lock.Lock()
	inbox := f.inbox
	f.inbox = nil
	f.lock.Unlock()
	if inbox != nil {
		inbox.Stop()
		f.network.availabilityChanged(f.address, false)
	}
	return nil
}

func (f *FakeServer) RegisterMessageHandler(messageType ClusterMessageType, handler ClusterMessageHandler) {
	f.messageHandlers.Store(messageType, handler)
}

func (f *FakeServer) getInbox() *sched.Scheduler {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.inbox
}

func (f *FakeServer) handle(msg ClusterMessage) (ClusterMessage, error) {
	l, ok := f.messageHandlers.Load(TypeForClusterMessage(msg))
	if !ok {
		return nil, errors.Errorf("no message handler for type %d", TypeForClusterMessage(msg))
	}
	return l.(ClusterMessageHandler).HandleMessage(msg)
}

type FakeTransport struct {
	network *FakeNetwork
}

var _ ClusterTransport = &FakeTransport{}

func (f *FakeTransport) SendOneWay(msg ClusterMessage, addresses ...string) {
	for _, address := range addresses {
		copied, err := roundTrip(msg)
		if err != nil {
			log.Errorf("failed to serialize message %+v", err)
			return
		}
		server := f.network.server(address)
		if server == nil {
			continue
		}
		inbox := server.getInbox()
		if inbox == nil {
			continue
		}
		inbox.ScheduleActionFireAndForget(func() error {
			_, err := server.handle(copied)
			return err
		})
	}
}

func (f *FakeTransport) SendRPC(msg ClusterMessage, address string) (ClusterMessage, error) {
	copied, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}
	server := f.network.server(address)
	if server == nil {
		return nil, ErrConnectionClosed
	}
	inbox := server.getInbox()
	if inbox == nil {
		return nil, ErrConnectionClosed
	}
	var resp ClusterMessage
	err = <-inbox.ScheduleAction(func() error {
		r, err := server.handle(copied)
		if err != nil {
			return err
		}
		if r != nil {
			resp, err = roundTrip(r)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func roundTrip(msg ClusterMessage) (ClusterMessage, error) {
	buff, err := serializeClusterMessage(msg)
	if err != nil {
		return nil, err
	}
	return DeserializeClusterMessage(buff)
}

// FakeHealthChecker tells its listeners when servers on a FakeNetwork start and stop.
type FakeHealthChecker struct {
	network   *FakeNetwork
	local     string
	lock      sync.Mutex
	started   bool
	listeners []AvailabilityListener
}

func (h *FakeHealthChecker) AddAvailabilityListener(listener AvailabilityListener) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.listeners = append(h.listeners, listener)
}

func (h *FakeHealthChecker) Start() {
	h.lock.Lock()
	if h.started {
		h.lock.Unlock()
		return
	}
	h.started = true
	h.lock.Unlock()
	h.network.lock.Lock()
	h.network.checkers[h] = struct{}{}
	h.network.lock.Unlock()
	for _, address := range h.network.startedServers() {
		h.signalAvailabilityChange(address, true)
	}
}

func (h *FakeHealthChecker) Stop() {
	h.network.lock.Lock()
	delete(h.network.checkers, h)
	h.network.lock.Unlock()
	h.lock.Lock()
	defer h.lock.Unlock()
	h.started = false
}

func (h *FakeHealthChecker) signalAvailabilityChange(address string, available bool) {
	if address == h.local {
		return
	}
	h.lock.Lock()
	if !h.started {
		h.lock.Unlock()
		return
	}
	listeners := make([]AvailabilityListener, len(h.listeners))
	copy(listeners, h.listeners)
	h.lock.Unlock()
	for _, listener := range listeners {
		listener.AvailabilityChanged(address, available)
	}
}
