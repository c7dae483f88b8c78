package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type storeMetrics struct {
	hits            prometheus.Counter
	misses          prometheus.Counter
	refetches       prometheus.Counter
	refetchErrors   prometheus.Counter
	superseded      prometheus.Counter
	invalidations   prometheus.Counter
	optimistic      prometheus.Counter
	rollbacks       prometheus.Counter
	reconcileMisses prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer, log zerolog.Logger) *storeMetrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		})
		if reg == nil {
			return c
		}
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
					return existing
				}
			}
			log.Warn().Err(err).Str("metric", name).Msg("metric_register_failed")
		}
		return c
	}
	return &storeMetrics{
		hits:            counter("hits_total", "Reads served from a fresh cache entry."),
		misses:          counter("misses_total", "Reads of missing or stale cache entries."),
		refetches:       counter("refetches_total", "Remote fetches issued by the cache."),
		refetchErrors:   counter("refetch_errors_total", "Remote fetches that failed."),
		superseded:      counter("refetch_superseded_total", "Fetch results dropped because the entry changed while in flight."),
		invalidations:   counter("invalidations_total", "Entries marked stale."),
		optimistic:      counter("optimistic_writes_total", "Optimistic mutations applied."),
		rollbacks:       counter("rollbacks_total", "Optimistic mutations rolled back."),
		reconcileMisses: counter("reconcile_misses_total", "Reconciliations whose placeholder was already gone."),
	}
}
