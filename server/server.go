package server

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	apihttp "github.com/squareup/blockmgr/api/http"
	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/conf"
	"github.com/squareup/blockmgr/failinject"
	"github.com/squareup/blockmgr/lifecycle"
	plog "github.com/squareup/blockmgr/log"
	"github.com/squareup/blockmgr/metrics"
	"github.com/squareup/blockmgr/metrics/prometheus"
	"github.com/squareup/blockmgr/migration"
	"github.com/squareup/blockmgr/remoting"
	"github.com/squareup/blockmgr/sharder"
	"github.com/squareup/blockmgr/store"
)

// Servers created with TestServer set share this network.
var testNetwork = remoting.NewFakeNetwork()

type healthChecker interface {
	AddAvailabilityListener(listener remoting.AvailabilityListener)
	Start()
	Stop()
}

func NewServer(config conf.Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	address := config.LocalAddress()
	shardr, err := sharder.NewSharder(config.HashFunction, config.PartitionCount)
	if err != nil {
		return nil, err
	}
	membership := cluster.NewStaticMembership(address, config.MemberAddresses, config.LiteMemberAddresses)
	recordStore := store.NewStore(shardr, config.DefaultBackupCount)
	for _, mapName := range config.MapNames {
		recordStore.CreateMap(mapName, config.DefaultBackupCount)
	}

	var remotingServer remoting.Server
	var transport remoting.ClusterTransport
	var checker healthChecker
	var injector failinject.Injector
	var tcpTransport *remoting.TCPTransport
	others := otherAddresses(config.MemberAddresses, address)
	if config.TestServer {
		remotingServer = testNetwork.NewServer(address)
		transport = testNetwork.Transport()
		checker = testNetwork.NewHealthChecker(address)
		injector = failinject.NewInjector()
	} else {
		remotingServer = remoting.NewServer(address)
		tcpTransport = remoting.NewTCPTransport(remoting.NewClient(config.DrainTimeout))
		transport = tcpTransport
		checker = remoting.NewHealthChecker(others, config.HeartbeatTimeout, config.HeartbeatInterval)
		injector = failinject.NewDummyInjector()
	}
	checker.AddAvailabilityListener(membership)

	var metricsFactory metrics.Factory
	if config.MetricsEnabled {
		metricsFactory = prometheus.NewFactory(config.MetricsListenAddress, address)
	} else {
		metricsFactory = metrics.NewFakeFactory()
	}

	logger, err := plog.ZapLogger()
	if err != nil {
		return nil, err
	}
	manager, err := migration.NewManager(config, membership, recordStore, recordStore, shardr, transport,
		metricsFactory, injector, logger)
	if err != nil {
		return nil, err
	}
	manager.RegisterHandlers(remotingServer)

	var apiServer *apihttp.HTTPAPIServer
	if config.APIListenAddress != "" {
		apiServer = apihttp.NewHTTPAPIServer(config.APIListenAddress, manager)
	}
	lifecycleEndpoints := lifecycle.NewLifecycleEndpoints(config)

	services := []service{
		lifecycleEndpoints,
		metricsFactory,
		injector,
		remotingServer,
		manager,
		&healthCheckerService{checker: checker},
	}
	if apiServer != nil {
		services = append(services, apiServer)
	}

	server := Server{
		conf:               config,
		address:            address,
		membership:         membership,
		store:              recordStore,
		manager:            manager,
		remotingServer:     remotingServer,
		tcpTransport:       tcpTransport,
		injector:           injector,
		metricsFactory:     metricsFactory,
		lifecycleEndpoints: lifecycleEndpoints,
		apiServer:          apiServer,
		services:           services,
	}
	return &server, nil
}

type Server struct {
	lock               sync.RWMutex
	address            string
	membership         *cluster.StaticMembership
	store              *store.Store
	manager            *migration.Manager
	remotingServer     remoting.Server
	tcpTransport       *remoting.TCPTransport
	injector           failinject.Injector
	metricsFactory     metrics.Factory
	lifecycleEndpoints *lifecycle.Endpoints
	apiServer          *apihttp.HTTPAPIServer
	services           []service
	started            bool
	conf               conf.Config
	readyStop          chan struct{}
	readyDone          chan struct{}
}

type service interface {
	Start() error
	Stop() error
}

type healthCheckerService struct {
	checker healthChecker
}

func (h *healthCheckerService) Start() error {
	h.checker.Start()
	return nil
}

func (h *healthCheckerService) Stop() error {
	h.checker.Stop()
	return nil
}

func (s *Server) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}

	for _, s := range s.services {
		if err := s.Start(); err != nil {
			return err
		}
	}

	s.lifecycleEndpoints.SetStarted(true)
	s.lifecycleEndpoints.SetLive(true)
	s.readyStop = make(chan struct{})
	s.readyDone = make(chan struct{})
	go s.waitForReady(s.readyStop, s.readyDone)

	s.started = true

	log.Infof("blockmgr server %s started", s.address)

	return nil
}

func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	close(s.readyStop)
	<-s.readyDone
	s.lifecycleEndpoints.SetReady(false)
	s.lifecycleEndpoints.SetLive(false)
	for i := len(s.services) - 1; i >= 0; i-- {
		if err := s.services[i].Stop(); err != nil {
			return err
		}
	}
	if s.tcpTransport != nil {
		s.tcpTransport.Stop()
	}
	s.started = false
	log.Infof("blockmgr server %s stopped", s.address)
	return nil
}

// waitForReady marks the node ready once every partition in its table has an owner.
func (s *Server) waitForReady(stop chan struct{}, done chan struct{}) {
	defer common.PanicHandler()
	defer close(done)
	ticker := time.NewTicker(s.conf.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ready, err := s.IsReady()
			if err != nil {
				log.Warnf("failed to check readiness %v", err)
				continue
			}
			if ready {
				s.lifecycleEndpoints.SetReady(true)
				log.Infof("blockmgr server %s is ready", s.address)
				return
			}
		}
	}
}

// IsReady reports whether every partition in the table of this node has an owner.
func (s *Server) IsReady() (bool, error) {
	partitions, err := s.manager.Partitions()
	if err != nil {
		return false, err
	}
	for _, po := range partitions {
		if po.Owner == nil {
			return false, nil
		}
	}
	return true, nil
}

func otherAddresses(addresses []string, self string) []string {
	var others []string
	for _, address := range addresses {
		if address != self {
			others = append(others, address)
		}
	}
	return others
}

func (s *Server) GetManager() *migration.Manager {
	return s.manager
}

func (s *Server) GetStore() *store.Store {
	return s.store
}

func (s *Server) GetMembership() *cluster.StaticMembership {
	return s.membership
}

func (s *Server) GetFailInjector() failinject.Injector {
	return s.injector
}

func (s *Server) GetMetricsFactory() metrics.Factory {
	return s.metricsFactory
}

func (s *Server) GetAPIServer() *apihttp.HTTPAPIServer {
	return s.apiServer
}

func (s *Server) GetConfig() conf.Config {
	return s.conf
}
