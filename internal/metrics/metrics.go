package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_frames_total",
			Help: "Frames handled by the relay.",
		},
		[]string{"direction", "type"},
	)

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_total",
			Help: "Broadcast fan-outs performed by the router.",
		},
	)

	RouteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_route_errors_total",
			Help: "Routing failures by error code.",
		},
		[]string{"code"},
	)

	ConnectedPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_connected_peers",
			Help: "Currently connected peers by role.",
		},
		[]string{"role"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_reconnects_total",
			Help: "Peer reconnect attempts observed.",
		},
	)

	DeadPeersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_dead_peers_total",
			Help: "Peers evicted after missed keep-alives.",
		},
	)

	PullQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_pull_queue_depth",
			Help: "Frames queued for pull-transport peers.",
		},
		[]string{"peer"},
	)

	OperationsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_operations",
			Help: "Tracked operations by state.",
		},
		[]string{"state"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_operation_duration_seconds",
			Help:    "Time from begin to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "state"},
	)

	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_store_writes_total",
			Help: "Operation store snapshot writes.",
		},
		[]string{"result"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_tab_lock_wait_seconds",
			Help:    "Tab lock acquisition wait time.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
		},
	)

	LockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_tab_lock_timeouts_total",
			Help: "Tab lock acquisitions that timed out.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		FramesTotal,
		BroadcastsTotal,
		RouteErrorsTotal,
		ConnectedPeers,
		ReconnectsTotal,
		DeadPeersTotal,
		PullQueueDepth,
		OperationsByState,
		OperationDuration,
		StoreWritesTotal,
		LockWaitDuration,
		LockTimeoutsTotal,
	)
}
