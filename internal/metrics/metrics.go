// Package metrics exposes prometheus counters for the reconciliation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Merges counts roster snapshot merges.
	Merges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_roster_merges_total",
		Help: "Snapshot merges applied to the in-memory roster state.",
	})

	// DuplicateDrops counts class records dropped by cross-owner dedup.
	DuplicateDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_roster_duplicate_drops_total",
		Help: "Class records dropped because their id appeared under another owner.",
	})

	// OversizeReads counts cached blobs discarded for exceeding the size limit.
	OversizeReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_cache_oversize_reads_total",
		Help: "Cache reads discarded by the size guard.",
	})

	// OversizeWrites counts cache writes dropped after field stripping.
	OversizeWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_cache_oversize_writes_total",
		Help: "Cache writes dropped because the payload stayed over the limit.",
	})

	// TxRetries counts optimistic transaction attempts that lost the race
	// and were retried.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_docstore_tx_retries_total",
		Help: "Optimistic transaction commits retried after a revision conflict.",
	})

	// WritebackFailures counts failed best-effort cache write-backs.
	WritebackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_cache_writeback_failures_total",
		Help: "Best-effort cache write-backs that failed.",
	})

	// SubscriptionsOpened counts live-query subscriptions opened.
	SubscriptionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_subscriptions_opened_total",
		Help: "Live roster subscriptions opened.",
	})

	// SubscriptionsClosed counts subscription teardowns.
	SubscriptionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classcheck_subscriptions_closed_total",
		Help: "Live roster subscriptions torn down.",
	})
)
