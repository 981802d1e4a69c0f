package livequery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_livequery_subscriptions_opened_total",
		Help: "Change subscriptions opened by watchers.",
	})
	subscriptionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_livequery_subscriptions_closed_total",
		Help: "Change subscriptions closed by watchers.",
	})
	refetchesRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_livequery_refetches_total",
		Help: "Full refetches triggered by change events.",
	})
	eventsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portal_livequery_events_coalesced_total",
		Help: "Change events folded into an already pending refetch.",
	})
)
