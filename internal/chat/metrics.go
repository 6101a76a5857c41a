package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of clients currently holding a nickname",
	})

	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Accepted connections by transport",
	}, []string{"transport"})

	RoutedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_routed_messages_total",
		Help: "Client messages routed, by command kind",
	}, []string{"kind"})

	DroppedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_lines_total",
		Help: "Outbound lines dropped because a client queue was full",
	})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each registry event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(RoutedMessages)
	prometheus.MustRegister(DroppedLines)
	prometheus.MustRegister(EventProcessingDuration)
}
