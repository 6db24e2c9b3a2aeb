package remoting

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/squareup/blockmgr/common/commontest"
	"github.com/squareup/blockmgr/errors"
	"github.com/stretchr/testify/require"
)

const defaultServerAddress = "localhost:7908"

type echoHandler struct{}

func (e *echoHandler) HandleMessage(clusterMessage ClusterMessage) (ClusterMessage, error) {
	return clusterMessage, nil
}

type returnErrHandler struct {
	err error
}

func (r *returnErrHandler) HandleMessage(ClusterMessage) (ClusterMessage, error) {
	return nil, r.err
}

type recordingHandler struct {
	lock     sync.Mutex
	received []string
}

func (r *recordingHandler) HandleMessage(clusterMessage ClusterMessage) (ClusterMessage, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.received = append(r.received, clusterMessage.(*RemotingTestMessage).SomeField)
	return nil, nil
}

func (r *recordingHandler) getReceived() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	res := make([]string, len(r.received))
	copy(res, r.received)
	return res
}

func startServerWithHandler(t *testing.T, address string, handler ClusterMessageHandler) *server {
	t.Helper()
	s := newServer(address)
	s.RegisterMessageHandler(ClusterMessageRemotingTestMessage, handler)
	require.NoError(t, s.Start())
	return s
}

func stopServers(t *testing.T, servers ...*server) {
	t.Helper()
	for _, s := range servers {
		require.NoError(t, s.Stop())
	}
}

func TestRPC(t *testing.T) {
	s := startServerWithHandler(t, defaultServerAddress, &echoHandler{})
	defer stopServers(t, s)
	client := NewClient(5 * time.Second)
	defer client.Stop()

	r, err := client.SendRPC(&RemotingTestMessage{SomeField: "badgers"}, defaultServerAddress)
	require.NoError(t, err)
	resp, ok := r.(*RemotingTestMessage)
	require.True(t, ok)
	require.Equal(t, "badgers", resp.SomeField)
}

func TestRPCInternalError(t *testing.T) {
	s := startServerWithHandler(t, defaultServerAddress, &returnErrHandler{err: errors.New("spiders")})
	defer stopServers(t, s)
	client := NewClient(5 * time.Second)
	defer client.Stop()

	r, err := client.SendRPC(&RemotingTestMessage{SomeField: "badgers"}, defaultServerAddress)
	require.Nil(t, r)
	require.True(t, errors.HasCode(err, errors.InternalError))
	require.Equal(t, "spiders", err.Error())
}

func TestRPCBlockError(t *testing.T) {
	respErr := errors.NewUnknownMemberError("foo:1234")
	s := startServerWithHandler(t, defaultServerAddress, &returnErrHandler{err: errors.WithStack(respErr)})
	defer stopServers(t, s)
	client := NewClient(5 * time.Second)
	defer client.Stop()

	_, err := client.SendRPC(&RemotingTestMessage{SomeField: "badgers"}, defaultServerAddress)
	be, ok := err.(errors.BlockError)
	require.True(t, ok)
	require.Equal(t, respErr, be)
}

func TestRPCTimeout(t *testing.T) {
	s := startServerWithHandler(t, defaultServerAddress, &echoHandler{})
	defer stopServers(t, s)
	s.DisableResponses()
	client := NewClient(100 * time.Millisecond)
	defer client.Stop()

	_, err := client.SendRPC(&RemotingTestMessage{SomeField: "badgers"}, defaultServerAddress)
	require.Equal(t, ErrRPCTimeout, err)
}

func TestRPCNoServer(t *testing.T) {
	client := NewClient(time.Second)
	defer client.Stop()
	_, err := client.SendRPC(&RemotingTestMessage{SomeField: "badgers"}, "localhost:7999")
	require.Error(t, err)
}

func TestRPCReconnectsAfterServerRestart(t *testing.T) {
	s := startServerWithHandler(t, defaultServerAddress, &echoHandler{})
	client := NewClient(5 * time.Second)
	defer client.Stop()
	_, err := client.SendRPC(&RemotingTestMessage{SomeField: "badgers"}, defaultServerAddress)
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Start())
	defer stopServers(t, s)

	// the cached connection was closed by the server, it must be recreated
	commontest.WaitUntil(t, func() (bool, error) {
		r, err := client.SendRPC(&RemotingTestMessage{SomeField: "antelopes"}, defaultServerAddress)
		if err != nil {
			return false, nil
		}
		return r.(*RemotingTestMessage).SomeField == "antelopes", nil
	})
}

func TestBroadcastOneWayInOrder(t *testing.T) {
	var servers []*server
	var handlers []*recordingHandler
	var addresses []string
	for i := 0; i < 3; i++ {
		address := fmt.Sprintf("localhost:%d", 7910+i)
		handler := &recordingHandler{}
		servers = append(servers, startServerWithHandler(t, address, handler))
		handlers = append(handlers, handler)
		addresses = append(addresses, address)
	}
	defer stopServers(t, servers...)
	client := NewClient(time.Second)
	defer client.Stop()

	var expected []string
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("msg-%d", i)
		expected = append(expected, msg)
		client.BroadcastOneWay(&RemotingTestMessage{SomeField: msg}, addresses...)
	}
	for _, handler := range handlers {
		h := handler
		commontest.WaitUntil(t, func() (bool, error) {
			return len(h.getReceived()) == len(expected), nil
		})
		require.Equal(t, expected, h.getReceived())
	}
}

func TestBigMessage(t *testing.T) {
	s := startServerWithHandler(t, defaultServerAddress, &echoHandler{})
	defer stopServers(t, s)
	client := NewClient(5 * time.Second)
	defer client.Stop()

	big := strings.Repeat("x", int(readBuffSize*2.5))
	r, err := client.SendRPC(&RemotingTestMessage{SomeField: big}, defaultServerAddress)
	require.NoError(t, err)
	require.Equal(t, big, r.(*RemotingTestMessage).SomeField)
}

func TestTCPTransport(t *testing.T) {
	handler := &recordingHandler{}
	s := startServerWithHandler(t, defaultServerAddress, handler)
	defer stopServers(t, s)
	transport := NewTCPTransport(NewClient(time.Second))
	defer transport.Stop()

	transport.SendOneWay(&RemotingTestMessage{SomeField: "one"}, defaultServerAddress, "localhost:7999")
	_, err := transport.SendRPC(&RemotingTestMessage{SomeField: "two"}, defaultServerAddress)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, handler.getReceived())
}

func TestFakeNetwork(t *testing.T) {
	network := NewFakeNetwork()
	handler := &recordingHandler{}
	fs := network.NewServer("a")
	fs.RegisterMessageHandler(ClusterMessageRemotingTestMessage, handler)
	transport := network.Transport()

	// not started
	transport.SendOneWay(&RemotingTestMessage{SomeField: "dropped"}, "a")
	_, err := transport.SendRPC(&RemotingTestMessage{SomeField: "dropped"}, "a")
	require.Equal(t, ErrConnectionClosed, err)

	require.NoError(t, fs.Start())
	transport.SendOneWay(&RemotingTestMessage{SomeField: "one"}, "a", "unknown")
	_, err = transport.SendRPC(&RemotingTestMessage{SomeField: "two"}, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, handler.getReceived())

	_, err = transport.SendRPC(&RemotingTestMessage{SomeField: "x"}, "unknown")
	require.Equal(t, ErrConnectionClosed, err)

	require.NoError(t, fs.Stop())
	_, err = transport.SendRPC(&RemotingTestMessage{SomeField: "three"}, "a")
	require.Equal(t, ErrConnectionClosed, err)
}

func TestFakeNetworkRPCResponse(t *testing.T) {
	network := NewFakeNetwork()
	fs := network.NewServer("a")
	fs.RegisterMessageHandler(ClusterMessageRemotingTestMessage, &echoHandler{})
	require.NoError(t, fs.Start())
	defer fs.Stop() //nolint:errcheck
	r, err := network.Transport().SendRPC(&RemotingTestMessage{SomeField: "badgers"}, "a")
	require.NoError(t, err)
	require.Equal(t, "badgers", r.(*RemotingTestMessage).SomeField)
}

type availabilityRecorder struct {
	lock    sync.Mutex
	changes []string
}

func (a *availabilityRecorder) AvailabilityChanged(serverAddress string, available bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.changes = append(a.changes, fmt.Sprintf("%s=%t", serverAddress, available))
}

func (a *availabilityRecorder) getChanges() []string {
	a.lock.Lock()
	defer a.lock.Unlock()
	res := make([]string, len(a.changes))
	copy(res, a.changes)
	return res
}

func TestFakeHealthChecker(t *testing.T) {
	network := NewFakeNetwork()
	a := network.NewServer("a")
	b := network.NewServer("b")
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	recorder := &availabilityRecorder{}
	checker := network.NewHealthChecker("a")
	checker.AddAvailabilityListener(recorder)
	checker.Start()
	// servers already started are reported, the local one is not
	require.Equal(t, []string{"b=true"}, recorder.getChanges())

	c := network.NewServer("c")
	require.NoError(t, c.Start())
	require.NoError(t, b.Stop())
	require.Equal(t, []string{"b=true", "c=true", "b=false"}, recorder.getChanges())

	checker.Stop()
	require.NoError(t, c.Stop())
	require.NoError(t, a.Stop())
	require.Equal(t, []string{"b=true", "c=true", "b=false"}, recorder.getChanges())
}
