package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	metricSends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkchat_transport_sends_total",
		Help: "Messages handed to the socket for delivery.",
	})
	metricSendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkchat_transport_send_failures_total",
		Help: "Sends that ended in an error ack, timeout or offline rejection.",
	})
	metricInbound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkchat_transport_inbound_messages_total",
		Help: "Messages received over the socket.",
	})
	metricReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkchat_transport_reconnects_total",
		Help: "Successful reconnects after a connection loss.",
	})
	metricConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkchat_transport_connected",
		Help: "1 while the socket is connected.",
	})
)

func init() {
	prometheus.MustRegister(metricSends, metricSendFailures, metricInbound,
		metricReconnects, metricConnected)
}
