package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentencesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeros",
			Subsystem: "emulator",
			Name:      "sentences_received_total",
			Help:      "Sentences received from clients, by command",
		},
		[]string{"command"},
	)

	repliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routeros",
			Subsystem: "emulator",
			Name:      "replies_sent_total",
			Help:      "Reply sentences sent to clients, by reply type",
		},
		[]string{"type"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "routeros",
			Subsystem: "emulator",
			Name:      "active_connections",
			Help:      "Client connections currently open",
		},
	)
)
