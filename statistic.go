package gontpc

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type statistic struct {
	txCounter     *prometheus.CounterVec
	durationHisto prometheus.Histogram
	stratumGauge  *prometheus.GaugeVec
}

var (
	registerOnce sync.Once
	defaultStat  *statistic
)

// ensureRegistered installs the package collectors in the default
// prometheus registry. It runs once per process.
func ensureRegistered() *statistic {
	registerOnce.Do(func() {
		defaultStat = newStatistic(prometheus.DefaultRegisterer)
	})
	return defaultStat
}

func newStatistic(reg prometheus.Registerer) *statistic {
	txCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ntp",
		Subsystem: "client",
		Name:      "transactions_total",
		Help:      "The total number of ntp transactions by outcome",
	}, []string{"state"})
	reg.MustRegister(txCounter)

	durationHisto := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ntp",
		Subsystem: "client",
		Name:      "transaction_duration_seconds",
		Help:      "The time from start to outcome of a transaction",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	reg.MustRegister(durationHisto)

	stratumGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ntp",
		Subsystem: "client",
		Name:      "server_stratum",
		Help:      "The stratum of the last response by server",
	}, []string{"server"})
	reg.MustRegister(stratumGauge)

	return &statistic{
		txCounter:     txCounter,
		durationHisto: durationHisto,
		stratumGauge:  stratumGauge,
	}
}

func (s *statistic) observe(state State, elapsed time.Duration, resp *Response) {
	if s == nil {
		return
	}
	s.txCounter.WithLabelValues(state.String()).Inc()
	s.durationHisto.Observe(elapsed.Seconds())
	if resp != nil {
		s.stratumGauge.WithLabelValues(resp.Server.String()).Set(float64(resp.Packet.Stratum))
	}
}
