package remoting

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/squareup/blockmgr/common/commontest"
	"github.com/stretchr/testify/require"
)

func TestStartStopServers(t *testing.T) {
	servers, serverAddresses, al, ht := setupHealthCheck(7888)

	// Start servers one by one
	waitUntilDesiredState(t, []bool{true, false, false}, serverAddresses, servers, al)
	waitUntilDesiredState(t, []bool{true, true, false}, serverAddresses, servers, al)
	waitUntilDesiredState(t, []bool{true, true, true}, serverAddresses, servers, al)
	require.True(t, ht.IsAvailable(serverAddresses[1]))

	// Stop one by one
	waitUntilDesiredState(t, []bool{false, true, true}, serverAddresses, servers, al)
	waitUntilDesiredState(t, []bool{false, false, true}, serverAddresses, servers, al)
	waitUntilDesiredState(t, []bool{false, false, false}, serverAddresses, servers, al)
	require.False(t, ht.IsAvailable(serverAddresses[1]))

	// And start all again
	waitUntilDesiredState(t, []bool{true, true, true}, serverAddresses, servers, al)

	ht.Stop()
	stopServers(t, servers...)
}

func TestNoHeartbeats(t *testing.T) {
	servers, serverAddresses, al, ht := setupHealthCheck(7898)

	waitUntilDesiredState(t, []bool{true, true, true}, serverAddresses, servers, al)

	servers[0].DisableResponses()
	waitUntilAvailability(t, []bool{false, true, true}, serverAddresses, al)
	servers[1].DisableResponses()
	waitUntilAvailability(t, []bool{false, false, true}, serverAddresses, al)
	servers[2].DisableResponses()
	waitUntilAvailability(t, []bool{false, false, false}, serverAddresses, al)

	ht.Stop()
	stopServers(t, servers...)
}

func setupHealthCheck(basePort int) (servers []*server, serverAddresses []string, al *availabilityListener, ht *HealthChecker) {
	servers = make([]*server, 3)
	serverAddresses = make([]string, 3)
	for i := 0; i < 3; i++ {
		serverAddresses[i] = fmt.Sprintf("localhost:%d", basePort+i)
		servers[i] = newServer(serverAddresses[i])
	}
	ht = NewHealthChecker(serverAddresses, 200*time.Millisecond, 300*time.Millisecond)
	al = newAvailabilityListener()
	ht.AddAvailabilityListener(al)
	ht.Start()
	return
}

// Start or stop the servers as appropriate until they are started/stopped according to desiredState - then verify
// availability status is correct
func waitUntilDesiredState(t *testing.T, desiredState []bool, serverAddresses []string, servers []*server, al *availabilityListener) {
	t.Helper()
	for i, desired := range desiredState {
		current := al.getAvailability(serverAddresses[i])
		if !current && desired {
			require.NoError(t, servers[i].Start())
		} else if current && !desired {
			require.NoError(t, servers[i].Stop())
		}
	}
	waitUntilAvailability(t, desiredState, serverAddresses, al)
}

func waitUntilAvailability(t *testing.T, desiredState []bool, serverAddresses []string, al *availabilityListener) {
	t.Helper()
	commontest.WaitUntil(t, func() (bool, error) {
		for i, desired := range desiredState {
			if al.getAvailability(serverAddresses[i]) != desired {
				return false, nil
			}
		}
		return true, nil
	})
}

type availabilityListener struct {
	availStatuses map[string]bool
	lock          sync.Mutex
}

func newAvailabilityListener() *availabilityListener {
	return &availabilityListener{
		availStatuses: map[string]bool{},
	}
}

func (a *availabilityListener) AvailabilityChanged(serverAddress string, available bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.availStatuses[serverAddress] = available
}

func (a *availabilityListener) getAvailability(serverAddress string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.availStatuses[serverAddress]
}
