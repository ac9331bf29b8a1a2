package sof

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the IPC and lifecycle collectors of a Device.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TxTotal      *prometheus.CounterVec
	TxErrors     *prometheus.CounterVec
	TxDuration   prometheus.Histogram
	RxTotal      *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	FwExceptions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		TxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sof",
			Subsystem: "ipc",
			Name:      "tx_total",
			Help:      "Number of IPC commands sent to the DSP.",
		}, []string{"class"}),
		TxErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sof",
			Subsystem: "ipc",
			Name:      "tx_errors_total",
			Help:      "Number of IPC commands that failed.",
		}, []string{"reason"}),
		TxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sof",
			Subsystem: "ipc",
			Name:      "tx_duration_seconds",
			Help:      "Time from sending an IPC command to receiving its reply.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		RxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sof",
			Subsystem: "ipc",
			Name:      "rx_total",
			Help:      "Number of notifications received from the DSP.",
		}, []string{"class"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sof",
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "Number of pipeline lifecycle transitions by target state.",
		}, []string{"state"}),
		FwExceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sof",
			Name:      "fw_exceptions_total",
			Help:      "Number of firmware exceptions (IPC timeouts).",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.TxTotal, m.TxErrors, m.TxDuration, m.RxTotal, m.Transitions, m.FwExceptions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) txSent(cmd uint32) {
	if m == nil {
		return
	}

	m.TxTotal.WithLabelValues(classLabel(cmd)).Inc()
}

func (m *Metrics) txFailed(reason string) {
	if m == nil {
		return
	}

	m.TxErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) txObserve(seconds float64) {
	if m == nil {
		return
	}

	m.TxDuration.Observe(seconds)
}

func (m *Metrics) rxReceived(cmd uint32) {
	if m == nil {
		return
	}

	m.RxTotal.WithLabelValues(classLabel(cmd)).Inc()
}

func (m *Metrics) transition(state PipelineState) {
	if m == nil {
		return
	}

	m.Transitions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) fwException() {
	if m == nil {
		return
	}

	m.FwExceptions.Inc()
}
