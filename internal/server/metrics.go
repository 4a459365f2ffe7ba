package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostchat_ws_connections_total",
			Help: "Total websocket connections accepted",
		},
	)

	metricActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostchat_active_subscriptions",
			Help: "Room subscriptions currently receiving snapshots",
		},
	)

	metricRoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostchat_rooms_created_total",
			Help: "Total rooms registered",
		},
	)

	metricMessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostchat_messages_appended_total",
			Help: "Total messages committed to room logs",
		},
	)

	metricRecordsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostchat_records_deleted_total",
			Help: "Total records removed from room logs",
		},
	)
)
