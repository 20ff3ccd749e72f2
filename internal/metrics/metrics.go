// Package metrics holds Prometheus instruments that are used across the
// cache.  All collectors are registered with the global registry, so
// importing this package in main.go is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Variant lookups.  Label kind is "element" or "method".
	VariantHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexcache_variant_hits_total",
			Help: "Variant lookups answered from cache.",
		}, []string{"kind"})

	VariantMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexcache_variant_misses_total",
			Help: "Variant lookups that invoked the producer.",
		}, []string{"kind"})

	// Label store is "element", "variant", or "uri".
	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexcache_evictions_total",
			Help: "Entries evicted for capacity.",
		}, []string{"store"})

	InvalidatedVariantsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexcache_invalidated_variants_total",
			Help: "Variants dropped by dependency invalidation.",
		})

	TimeCriticalClearsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexcache_time_critical_clears_total",
			Help: "Entries whose variants were cleared by a schedule marker.",
		})

	PlaceholdersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexcache_placeholders_total",
			Help: "Sub-element failures replaced by an inline placeholder.",
		})

	GenerationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexcache_generation_errors_total",
			Help: "Producer failures, fatal or not.",
		})

	// Label store is "element" or "uri".
	StoreEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flexcache_store_entries",
			Help: "Resident entries per store.",
		}, []string{"store"})

	DependencyKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexcache_dependency_keys",
			Help: "Resource ids with at least one owner in the dependency index.",
		})

	PublishEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexcache_publish_events_total",
			Help: "Publish events handled, by source (redis or http).",
		}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		VariantHitsTotal,
		VariantMissesTotal,
		EvictionsTotal,
		InvalidatedVariantsTotal,
		TimeCriticalClearsTotal,
		PlaceholdersTotal,
		GenerationErrorsTotal,
		StoreEntries,
		DependencyKeys,
		PublishEventsTotal,
	)
}
