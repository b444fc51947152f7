// Copyright 2022 The topicrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"
	"net/http"

	"github.com/alwitt/topicrouter/common"
	"github.com/alwitt/topicrouter/hub"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HubMetrics Prometheus metrics of a connection registry
type HubMetrics interface {
	// Handler the metrics exposition HTTP handler
	Handler() http.Handler
	// Detach stop collecting registry events
	Detach()
}

// hubMetricsImpl implements HubMetrics
type hubMetricsImpl struct {
	common.Component
	registry   hub.ConnectionRegistry
	listenerID string
	promReg    *prometheus.Registry

	connectsTotal    prometheus.Counter
	disconnectsTotal prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	sentTotal        prometheus.Counter
	outgoingMessages prometheus.Counter
	outgoingBytes    prometheus.Counter
}

/*
GetHubMetrics define metrics for a connection registry, and start collecting its events

	@param namespace string - metric name namespace
	@param registry hub.ConnectionRegistry - the registry to observe
*/
func GetHubMetrics(namespace string, registry hub.ConnectionRegistry) (HubMetrics, error) {
	logTags := log.Fields{"module": "metrics", "component": "hub"}
	instance := &hubMetricsImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		promReg:   prometheus.NewRegistry(),
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Number of connections created",
		}),
		disconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Number of connections removed",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of client commands received, by command",
		}, []string{"command"}),
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Number of messages accepted from clients",
		}),
		outgoingMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_messages_total",
			Help:      "Number of messages written to clients",
		}),
		outgoingBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_bytes_total",
			Help:      "Number of bytes written to clients",
		}),
	}

	liveConnections := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Number of live connections",
	}, func() float64 {
		return float64(registry.ConnectionCount())
	})
	liveSubscriptions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions",
		Help:      "Number of subscriptions across all connections",
	}, func() float64 {
		total := 0
		for _, conn := range registry.FindConnections(nil) {
			total += len(conn.Subscriptions())
		}
		return float64(total)
	})

	for _, collector := range []prometheus.Collector{
		instance.connectsTotal,
		instance.disconnectsTotal,
		instance.commandsTotal,
		instance.sentTotal,
		instance.outgoingMessages,
		instance.outgoingBytes,
		liveConnections,
		liveSubscriptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := instance.promReg.Register(collector); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to register collector")
			return nil, fmt.Errorf("metrics registration failed: %w", err)
		}
	}

	instance.listenerID = registry.AddEventListener(
		instance.processEvent,
		hub.EventConnect, hub.EventDisconnect, hub.EventCommand, hub.EventSent, hub.EventOutgoing,
	)
	return instance, nil
}

// processEvent registry event listener
func (m *hubMetricsImpl) processEvent(evt hub.Event) {
	switch evt.Kind {
	case hub.EventConnect:
		m.connectsTotal.Inc()
	case hub.EventDisconnect:
		m.disconnectsTotal.Inc()
	case hub.EventCommand:
		m.commandsTotal.WithLabelValues(string(evt.Command)).Inc()
	case hub.EventSent:
		m.sentTotal.Inc()
	case hub.EventOutgoing:
		m.outgoingMessages.Inc()
		m.outgoingBytes.Add(float64(len(evt.Rendered)))
	}
}

// Handler the metrics exposition HTTP handler
func (m *hubMetricsImpl) Handler() http.Handler {
	return promhttp.HandlerFor(m.promReg, promhttp.HandlerOpts{})
}

// Detach stop collecting registry events
func (m *hubMetricsImpl) Detach() {
	m.registry.RemoveEventListener(m.listenerID)
}
