package lifecycle

import (
	"net"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/conf"
	"github.com/squareup/blockmgr/errors"
)

/*
Endpoints serves the startup, readiness and liveness probes of a node over HTTP. A node is started once its
services are running, ready once it has joined the partition table and live until it begins to shut down.
*/
type Endpoints struct {
	conf    conf.Config
	server  *http.Server
	started common.AtomicBool
	ready   common.AtomicBool
	live    common.AtomicBool
}

func NewLifecycleEndpoints(config conf.Config) *Endpoints {
	return &Endpoints{conf: config}
}

func (e *Endpoints) SetStarted(started bool) {
	e.started.Set(started)
}

func (e *Endpoints) SetReady(ready bool) {
	e.ready.Set(ready)
}

func (e *Endpoints) SetLive(live bool) {
	e.live.Set(live)
}

// SetActive sets all three states at once.
func (e *Endpoints) SetActive(active bool) {
	e.started.Set(active)
	e.ready.Set(active)
	e.live.Set(active)
}

func (e *Endpoints) Start() error {
	if !e.conf.LifecycleEndpointEnabled {
		return nil
	}

	sm := http.NewServeMux()
	sm.Handle(e.conf.StartupEndpointPath, &handler{state: &e.started})
	sm.Handle(e.conf.ReadyEndpointPath, &handler{state: &e.ready})
	sm.Handle(e.conf.LiveEndpointPath, &handler{state: &e.live})

	e.server = &http.Server{Addr: e.conf.LifecycleListenAddress, Handler: sm}

	ln, err := net.Listen("tcp", e.conf.LifecycleListenAddress)
	if err != nil {
		return errors.WithStack(err)
	}

	go func() {
		err := e.server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("lifecycle server failed to listen %v", err)
		}
	}()
	return nil
}

func (e *Endpoints) Stop() error {
	if e.server == nil {
		return nil
	}
	return errors.WithStack(e.server.Close())
}

type handler struct {
	state *common.AtomicBool
}

func (i *handler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	if i.state.Get() {
		writer.WriteHeader(http.StatusOK)
	} else {
		writer.WriteHeader(http.StatusServiceUnavailable)
	}
}
