// Package cache provides a small generic, thread-safe time-to-live cache.
//
// Entries expire a fixed duration after they were set. Expired entries are
// dropped lazily on access, so no background goroutine is needed. Hit, miss
// and eviction counts are always tracked and can additionally be exported as
// Prometheus counters through a metric.MetricsRegistry:
//
//	recipes, err := cache.NewTTL[[]recipe.Recipe](30*time.Second,
//		cache.WithMetrics[[]recipe.Recipe](registry, "recipes"))
//	if v, ok := recipes.Get(root); ok {
//		return v, nil
//	}
package cache
