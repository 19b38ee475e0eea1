package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bnb-chain/eth-gateway/logging"
)

var (
	IndexedNativeBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "indexed_native_block",
		Help: "Native block number of the latest sync checkpoint.",
	})

	HostBestBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "host_best_block",
		Help: "Best (or finalized, for parachain sync) block number reported by the host chain.",
	})

	SyncLagGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_lag_blocks",
		Help: "Number of host blocks not yet indexed.",
	})

	ReorgCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reorgs_total",
		Help: "Number of reorgs applied to the mapping store.",
	})

	MalformedDigestCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "malformed_digest_total",
		Help: "Native blocks skipped because their Ethereum digest could not be decoded.",
	})

	RPCRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_requests_total",
		Help: "JSON-RPC requests served, by method and outcome.",
	}, []string{"method", "status"})

	SubscriptionDroppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_dropped_total",
		Help: "Subscriptions closed because the subscriber could not keep up.",
	}, []string{"kind"})

	ActiveFiltersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_filters",
		Help: "Installed polling filters.",
	})

	MetricsItems = []prometheus.Collector{
		IndexedNativeBlockGauge,
		HostBestBlockGauge,
		SyncLagGauge,
		ReorgCounter,
		MalformedDigestCounter,
		RPCRequestCounter,
		SubscriptionDroppedCounter,
		ActiveFiltersGauge,
	}
)

type Metrics struct {
	httpAddress string
	registry    *prometheus.Registry
	httpServer  *http.Server
}

func NewMetrics(address string) *Metrics {
	return &Metrics{
		httpAddress: address,
		registry:    prometheus.NewRegistry(),
	}
}

func (m *Metrics) Start() {
	m.registry.MustRegister(MetricsItems...)
	go m.serve()
}

func (m *Metrics) serve() {
	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.httpServer = &http.Server{
		Addr:    m.httpAddress,
		Handler: router,
	}
	if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Logger.Errorf("failed to listen and serve metrics, err=%s", err.Error())
		panic(err)
	}
}
