package call

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics метрики контроллера вызовов.
// Симулированные вызовы считаются отдельно, меткой mode="simulated".
type Metrics struct {
	callsTotal      *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	callActive      prometheus.Gauge
	callDuration    prometheus.Histogram
	watchdogRepairs prometheus.Counter
}

const (
	modeReal      = "real"
	modeSimulated = "simulated"
)

// Стадии, на которых считаются ошибки
const (
	StagePlace  = "place"
	StageAccept = "accept"
	StageReject = "reject"
	StageHangup = "hangup"
	StageHold   = "hold"
	StageDigit  = "digit"
)

// NewMetrics создает метрики и регистрирует их в reg. reg может быть nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "web_phone",
			Name:      "calls_total",
			Help:      "Количество установленных вызовов по направлению и режиму",
		}, []string{"direction", "mode"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "web_phone",
			Name:      "call_failures_total",
			Help:      "Ошибки сигнализации по стадиям",
		}, []string{"stage"}),
		callActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "web_phone",
			Name:      "call_active",
			Help:      "1 если идет разговор",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "web_phone",
			Name:      "call_duration_seconds",
			Help:      "Длительность разговоров",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		watchdogRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "web_phone",
			Name:      "watchdog_repairs_total",
			Help:      "Количество удаленных дорожек, включенных обратно watchdog",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.callsTotal, m.failuresTotal, m.callActive, m.callDuration, m.watchdogRepairs)
	}
	return m
}

func (m *Metrics) callStarted(direction Direction, simulated bool) {
	mode := modeReal
	if simulated {
		mode = modeSimulated
	}
	m.callsTotal.WithLabelValues(string(direction), mode).Inc()
}

func (m *Metrics) failure(stage string) {
	m.failuresTotal.WithLabelValues(stage).Inc()
}
