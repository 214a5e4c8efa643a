package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "chain_height",
		Help:      "Height of the primary chain tip.",
	})

	SecondaryChainLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "secondary_chain_length",
		Help:      "Length of the current secondary (competing) chain.",
	})

	MempoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "mempool_size",
		Help:      "Number of transactions currently in the mempool.",
	})

	OrphanBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "orphan_blocks",
		Help:      "Number of blocks parked in the orphan set.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "peers_connected",
		Help:      "Number of connected P2P peers.",
	})

	DifficultyNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "difficulty_number",
		Help:      "Current proof-of-work difficulty number.",
	})

	LocalHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "local_hashrate",
		Help:      "Estimated local miner hashrate in H/s.",
	})

	BlocksMined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "helium",
		Name:      "blocks_mined_total",
		Help:      "Total blocks mined locally and committed to the primary chain.",
	})

	BlocksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helium",
		Name:      "blocks_received_total",
		Help:      "Blocks received from peers, by outcome.",
	}, []string{"outcome"})

	TransactionsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helium",
		Name:      "transactions_received_total",
		Help:      "Transactions received (from peers or RPC submission), by outcome.",
	}, []string{"outcome"})

	UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "helium",
		Name:      "uptime_seconds",
		Help:      "Node uptime in seconds.",
	})
)

func init() {
	prometheus.MustRegister(
		ChainHeight,
		SecondaryChainLength,
		MempoolSize,
		OrphanBlocks,
		PeersConnected,
		DifficultyNumber,
		LocalHashrate,
		BlocksMined,
		BlocksReceived,
		TransactionsReceived,
		UptimeSeconds,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
