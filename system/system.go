// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package system holds the statistics counters of the message pipeline.
package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for the framing and persistence layers.
type Info struct {
	Version             string `json:"version"`              // the current version of the server
	Started             int64  `json:"started"`              // the time the server started in unix seconds
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes read from connections
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes written to connections
	PacketsReceived     int64  `json:"packets_received"`     // total number of complete packets assembled
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets fully drained
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish packets received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish packets sent
	MessagesStored      int64  `json:"messages_stored"`      // number of message bodies held in the message store
	MessagesPending     int64  `json:"messages_pending"`     // number of stored messages not yet persisted by the backend
	Retained            int64  `json:"retained"`             // number of retained messages
	Inflight            int64  `json:"inflight"`             // number of client message records
	Subscriptions       int64  `json:"subscriptions"`        // number of subscription records
	ClientsTotal        int64  `json:"clients_total"`        // number of client session records
	ClientsConnected    int64  `json:"clients_connected"`    // number of live connections
	PersistFailures     int64  `json:"persist_failures"`     // total number of failed backend mutations
	PersistTransactions int64  `json:"persist_transactions"` // total number of completed backend transactions
	LastStoreID         uint64 `json:"last_store_id"`        // the most recently assigned store id
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesStored:      atomic.LoadInt64(&i.MessagesStored),
		MessagesPending:     atomic.LoadInt64(&i.MessagesPending),
		Retained:            atomic.LoadInt64(&i.Retained),
		Inflight:            atomic.LoadInt64(&i.Inflight),
		Subscriptions:       atomic.LoadInt64(&i.Subscriptions),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		PersistFailures:     atomic.LoadInt64(&i.PersistFailures),
		PersistTransactions: atomic.LoadInt64(&i.PersistTransactions),
		LastStoreID:         atomic.LoadUint64(&i.LastStoreID),
	}
}

// RegisterPrometheusMetrics exposes the counters on a registry. A nil registry
// uses the prometheus default registerer.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "bytes_received", "A counter of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter of total number of bytes sent", &i.BytesSent},
		{"c", "packets_received", "A counter of the total number of packets received", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of packets sent", &i.PacketsSent},
		{"c", "messages_received", "A counter of total number of publish messages received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of publish messages sent", &i.MessagesSent},
		{"g", "messages_stored", "A gauge of the number of message bodies in the message store", &i.MessagesStored},
		{"g", "messages_pending", "A gauge of the number of stored messages awaiting persistence", &i.MessagesPending},
		{"g", "retained", "A gauge of total number of retained messages", &i.Retained},
		{"g", "inflight", "A gauge of the number of client message records", &i.Inflight},
		{"g", "subscriptions", "A gauge of total number of subscriptions", &i.Subscriptions},
		{"g", "clients_total", "A gauge of the number of client sessions", &i.ClientsTotal},
		{"g", "clients_connected", "A gauge of number of currently connected clients", &i.ClientsConnected},
		{"c", "persist_failures", "A counter of failed backend mutations", &i.PersistFailures},
		{"c", "persist_transactions", "A counter of completed backend transactions", &i.PersistTransactions},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(
				prometheus.NewCounterFunc(
					prometheus.CounterOpts{
						Name: m.name,
						Help: m.help,
					},
					fn,
				),
			)
		case "g":
			registry.MustRegister(
				prometheus.NewGaugeFunc(
					prometheus.GaugeOpts{
						Name: m.name,
						Help: m.help,
					},
					fn,
				),
			)
		}
	}

	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "last_store_id",
			Help: "The most recently assigned message store id",
		},
		func() float64 {
			return float64(atomic.LoadUint64(&i.LastStoreID))
		},
	))

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build Information",
		},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
