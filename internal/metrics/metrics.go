package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/romixlab/mcan/internal/logging"
)

// Prometheus counters and gauges for the driver core and the gateway.
var (
	TxSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_tx_submitted_total",
		Help: "Total frames accepted into a TX buffer, FIFO or queue slot.",
	})
	TxCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_tx_completed_total",
		Help: "Total transmissions confirmed through the TX event FIFO.",
	})
	TxCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_tx_cancelled_total",
		Help: "Total transmit requests cancelled before transmit start.",
	})
	TxRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_tx_rejected_total",
		Help: "Total submissions rejected for lack of a free slot (backpressure).",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_rx_frames_total",
		Help: "Total frames drained from the RX FIFOs and dedicated buffers.",
	})
	RxOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_rx_overflows_total",
		Help: "Total RX FIFO overflow conditions reported to the caller.",
	})
	UnmatchedTxEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_unmatched_tx_events_total",
		Help: "TX event FIFO entries with no pending request (driver/hardware desync).",
	})
	BusOffEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_bus_off_total",
		Help: "Total bus-off entries observed.",
	})
	MalformedElements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcan_malformed_elements_total",
		Help: "Total Message RAM elements rejected by the codec (invalid DLC).",
	})
	HostTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_host_tx_frames_total",
		Help: "Total frames written to the host SocketCAN interface.",
	})
	HostRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw_host_rx_frames_total",
		Help: "Total frames read from the host SocketCAN interface.",
	})
	ProtocolState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcan_protocol_state",
		Help: "Current protocol state (0=uninit 1=config 2=active 3=warning 4=passive 5=busoff 6=sleep).",
	})
	TxErrorCounter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcan_tx_error_counter",
		Help: "Transmit error counter (ECR.TEC).",
	})
	RxErrorCounter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcan_rx_error_counter",
		Help: "Receive error counter (ECR.REC).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrBridgeRead   = "bridge_read"
	ErrBridgeWrite  = "bridge_write"
	ErrHostRead     = "host_read"
	ErrHostWrite    = "host_write"
	ErrHostOverflow = "host_tx_overflow"
	ErrDriverPoll   = "driver_poll"
	ErrDriverSubmit = "driver_submit"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging without scraping
// Prometheus in-process.
var (
	localTxSubmitted uint64
	localTxCompleted uint64
	localTxCancelled uint64
	localTxRejected  uint64
	localRx          uint64
	localRxOverflow  uint64
	localUnmatched   uint64
	localBusOff      uint64
	localMalformed   uint64
	localHostTx      uint64
	localHostRx      uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	TxSubmitted uint64
	TxCompleted uint64
	TxCancelled uint64
	TxRejected  uint64
	RxFrames    uint64
	RxOverflows uint64
	Unmatched   uint64
	BusOff      uint64
	Malformed   uint64
	HostTx      uint64
	HostRx      uint64
	Errors      uint64
}

func Snap() Snapshot {
	return Snapshot{
		TxSubmitted: atomic.LoadUint64(&localTxSubmitted),
		TxCompleted: atomic.LoadUint64(&localTxCompleted),
		TxCancelled: atomic.LoadUint64(&localTxCancelled),
		TxRejected:  atomic.LoadUint64(&localTxRejected),
		RxFrames:    atomic.LoadUint64(&localRx),
		RxOverflows: atomic.LoadUint64(&localRxOverflow),
		Unmatched:   atomic.LoadUint64(&localUnmatched),
		BusOff:      atomic.LoadUint64(&localBusOff),
		Malformed:   atomic.LoadUint64(&localMalformed),
		HostTx:      atomic.LoadUint64(&localHostTx),
		HostRx:      atomic.LoadUint64(&localHostRx),
		Errors:      atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTxSubmitted() { TxSubmitted.Inc(); atomic.AddUint64(&localTxSubmitted, 1) }
func IncTxCompleted() { TxCompleted.Inc(); atomic.AddUint64(&localTxCompleted, 1) }
func IncTxCancelled() { TxCancelled.Inc(); atomic.AddUint64(&localTxCancelled, 1) }
func IncTxRejected()  { TxRejected.Inc(); atomic.AddUint64(&localTxRejected, 1) }
func IncRx()          { RxFrames.Inc(); atomic.AddUint64(&localRx, 1) }
func IncRxOverflow()  { RxOverflows.Inc(); atomic.AddUint64(&localRxOverflow, 1) }
func IncUnmatched()   { UnmatchedTxEvents.Inc(); atomic.AddUint64(&localUnmatched, 1) }
func IncBusOff()      { BusOffEvents.Inc(); atomic.AddUint64(&localBusOff, 1) }
func IncMalformed()   { MalformedElements.Inc(); atomic.AddUint64(&localMalformed, 1) }
func IncHostTx()      { HostTxFrames.Inc(); atomic.AddUint64(&localHostTx, 1) }
func IncHostRx()      { HostRxFrames.Inc(); atomic.AddUint64(&localHostRx, 1) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetState mirrors the driver's protocol state into a gauge.
func SetState(s int) { ProtocolState.Set(float64(s)) }

// SetErrorCounters mirrors ECR.TEC/REC.
func SetErrorCounters(tec, rec uint8) {
	TxErrorCounter.Set(float64(tec))
	RxErrorCounter.Set(float64(rec))
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first error does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrBridgeRead, ErrBridgeWrite, ErrHostRead, ErrHostWrite,
		ErrHostOverflow, ErrDriverPoll, ErrDriverSubmit,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function backing /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: treat as ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
