package application

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

// Metrics field agent 指标，nil 时所有方法为空操作
type Metrics struct {
	queuePending prometheus.Gauge
	connectivity *prometheus.GaugeVec
	channelState *prometheus.GaugeVec
	flushItems   *prometheus.CounterVec
	reconnects   prometheus.Counter
	malformed    prometheus.Counter
}

// NewMetrics 创建并注册指标，reg 为 nil 时只创建不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_pending",
			Help: "Submissions waiting in the offline queue",
		}),
		connectivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_connectivity_state",
			Help: "Current connectivity classification (1 for the active state)",
		}, []string{"state"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_channel_state",
			Help: "Current presence channel state (1 for the active state)",
		}, []string{"state"}),
		flushItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_flush_items_total",
			Help: "Replayed submissions by result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_channel_reconnects_total",
			Help: "Scheduled channel reconnect attempts",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_channel_malformed_total",
			Help: "Dropped channel messages that could not be decoded",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queuePending, m.connectivity, m.channelState, m.flushItems, m.reconnects, m.malformed)
	}
	return m
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(n))
}

func (m *Metrics) setConnectivity(c entity.Connectivity) {
	if m == nil {
		return
	}
	for _, s := range []entity.Connectivity{entity.ConnUnknown, entity.ConnOnline, entity.ConnDegraded, entity.ConnOffline} {
		v := 0.0
		if s == c {
			v = 1
		}
		m.connectivity.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) setChannelState(st entity.ChannelState) {
	if m == nil {
		return
	}
	for _, s := range []entity.ChannelState{entity.ChannelIdle, entity.ChannelConnecting, entity.ChannelConnected, entity.ChannelDisconnected} {
		v := 0.0
		if s == st {
			v = 1
		}
		m.channelState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) addFlush(synced, failed int) {
	if m == nil {
		return
	}
	m.flushItems.WithLabelValues("synced").Add(float64(synced))
	m.flushItems.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) incMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}
