/*
Package metrics provides Prometheus-based metrics collection for meshvault's
command dispatch, sync, and FUSE mount paths.

# Overview

The metrics package exports counters, histograms, and gauges for dispatched
commands, pull-cache performance, sync packet bandwidth, and errors. It
provides both real-time Prometheus metrics and an in-process rolling summary
for debugging without a scrape target.

Architecture

	┌─────────────┐
	│  Collector  │  ← Main metrics aggregator
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Core Components

Collector: the main metrics collector, registered operations with timing,
size, and success/failure status (e.g. a dispatched "create" command, a
sync "push", or a FUSE "read").

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "meshvault",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording Operations

	startTime := time.Now()
	_, err := registry.Call(req, resp)
	duration := time.Since(startTime)

	collector.RecordOperation(req.Cmd, duration, resp.ContentLength, err == nil)

DetailedPerformanceMetrics additionally tracks per-operation count and
min/max/average latency (the P50/P95/P99 fields are not computed and
stay zero), pull-cache source breakdown (in-process LRU, bbolt-backed
index cache, or a read-through to the directory's blob store), and sync
bandwidth, keyed by the FUSE/dispatch OperationType the call belongs to.

# Cache Metrics

	collector.RecordCacheHit("post/g1/avatar", 4096)
	collector.RecordCacheMiss("post/g1/avatar", 4096)
	collector.UpdateCacheSize("l1", currentL1Size)

# Error Tracking

	if err != nil {
		collector.RecordError("sync_push", err)
		return err
	}

# Prometheus Metrics

Counters:
  - meshvault_operations_total{operation,status}
  - meshvault_cache_requests_total{type,source}
  - meshvault_errors_total{operation,type}

Histograms:
  - meshvault_operation_duration_seconds{operation}
  - meshvault_operation_size_bytes{operation}

Gauges:
  - meshvault_cache_size_bytes{level}
  - meshvault_active_connections

# HTTP Endpoints

/metrics - Prometheus-formatted metrics (for scraping)
/health - health check endpoint
/debug/metrics - human-readable metrics summary
/debug/operations - tabular operations summary

# Configuration

	config := &metrics.Config{
		Enabled:        true,
		Port:           8080,
		Path:           "/metrics",
		Namespace:      "meshvault",
		UpdateInterval: 30 * time.Second,
	}

# Thread Safety

All Collector and DetailedPerformanceMetrics methods are thread-safe.

# See Also

  - internal/circuit: Circuit breaker for reliability
  - pkg/errors: Structured error handling
*/
package metrics
