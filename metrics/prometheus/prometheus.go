package prometheus

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/metrics"
)

// Factory creates metrics in its own registry, labelled with the node, and exports them over HTTP.
type Factory struct {
	listenAddress string
	registry      *prometheus.Registry
	constLabels   prometheus.Labels
	lock          sync.Mutex
	httpServer    *http.Server
	started       bool
}

func NewFactory(listenAddress string, nodeAddress string) *Factory {
	return &Factory{
		listenAddress: listenAddress,
		registry:      prometheus.NewRegistry(),
		constLabels:   prometheus.Labels{"node": nodeAddress},
	}
}

func (f *Factory) CreateCounter(name string, description string) (metrics.Counter, error) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        description,
		ConstLabels: f.constLabels,
	})
	if err := f.registry.Register(counter); err != nil {
		return nil, errors.WithStack(err)
	}
	return counter, nil
}

func (f *Factory) CreateGauge(name string, description string) (metrics.Gauge, error) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        name,
		Help:        description,
		ConstLabels: f.constLabels,
	})
	if err := f.registry.Register(gauge); err != nil {
		return nil, errors.WithStack(err)
	}
	return gauge, nil
}

// Handler serves the metrics of this factory.
func (f *Factory) Handler() http.Handler {
	return promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{})
}

func (f *Factory) Start() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.started {
		return errors.New("already started")
	}
	f.httpServer = &http.Server{Addr: f.listenAddress, Handler: f.Handler()}
	f.started = true
	go func(srv *http.Server) {
		log.Debugf("starting prometheus http server on address %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("prometheus http export server failed to listen %v", err)
		}
	}(f.httpServer)
	return nil
}

func (f *Factory) Stop() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	return errors.WithStack(f.httpServer.Close())
}
