// Package metrics holds the Prometheus collectors shared by every open index
// file and replicator in the process.
package metrics

import (
	"github.com/INLOpen/nexusseis/sys"
	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics.
const namespace = "nexusseis"

const (
	allocSubsystem   = "alloc"   // extent and catalog allocation.
	zeroSubsystem    = "zero"    // zero-ahead allocator.
	replicaSubsystem = "replica" // replica reconstruction and check blocks.
	filesSubsystem   = "files"   // registry.
)

// Role label values.
const (
	RolePrimary = "primary"
	RoleReplica = "replica"
)

var (
	// ExtentsAllocated counts extents handed out by AllocateExtent.
	ExtentsAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: allocSubsystem,
		Name:      "extents_total",
		Help:      "Number of extents handed out.",
	})
	// IndexBlocksAllocated counts index blocks handed out by AllocateIndexBlock.
	IndexBlocksAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: allocSubsystem,
		Name:      "index_blocks_total",
		Help:      "Number of index blocks handed out.",
	})
	// MasterBlocksAllocated counts master block pages created.
	MasterBlocksAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: allocSubsystem,
		Name:      "master_blocks_total",
		Help:      "Number of master block pages allocated.",
	})
	// AllocateWaitSeconds observes how long AllocateExtent waited for the zeroer.
	AllocateWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: allocSubsystem,
		Name:      "extent_wait_seconds",
		Help:      "Time AllocateExtent spent waiting for the zero-ahead boundary.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	// BlocksZeroed counts data blocks zero-filled ahead of use.
	BlocksZeroed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: zeroSubsystem,
		Name:      "blocks_total",
		Help:      "Number of data blocks zero-filled ahead of allocation.",
	}, []string{"role"})
	// FileExtensions counts data file extensions.
	FileExtensions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: zeroSubsystem,
		Name:      "extensions_total",
		Help:      "Number of data file extensions.",
	}, []string{"role"})
	// WriteBehindDepth is the number of deferred data blocks across all replicas.
	WriteBehindDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: zeroSubsystem,
		Name:      "write_behind_depth",
		Help:      "Deferred data blocks waiting for the zero-ahead boundary.",
	})

	// DeferredWrites counts data blocks routed through the write-behind queue.
	DeferredWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: replicaSubsystem,
		Name:      "deferred_writes_total",
		Help:      "Data blocks deferred into the write-behind queue.",
	})
	// CheckBlocks counts check block lifecycle transitions by action (created, flushed, retired).
	CheckBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: replicaSubsystem,
		Name:      "check_blocks_total",
		Help:      "Check block lifecycle transitions.",
	}, []string{"action"})

	// OpenFiles is the number of registered files per role.
	OpenFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: filesSubsystem,
		Name:      "open",
		Help:      "Number of open storage units.",
	}, []string{"role"})
	// Alarms counts operational events by type.
	Alarms = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alarms_total",
		Help:      "Operational events emitted, by event type.",
	}, []string{"event"})

	// Preallocations reads the file preallocation counters kept by package sys.
	Preallocations = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: zeroSubsystem,
		Name:      "preallocations_total",
		Help:      "Successful file preallocations.",
	}, func() float64 { return float64(sys.PreallocCounters().Successes) })
	PreallocationsUnsupported = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: zeroSubsystem,
		Name:      "preallocations_unsupported_total",
		Help:      "File extensions on filesystems without preallocation support.",
	}, func() float64 { return float64(sys.PreallocCounters().Unsupported) })
)

// PrometheusCollectors returns all prometheus metrics for the engine.
func PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ExtentsAllocated,
		IndexBlocksAllocated,
		MasterBlocksAllocated,
		AllocateWaitSeconds,
		BlocksZeroed,
		FileExtensions,
		WriteBehindDepth,
		DeferredWrites,
		CheckBlocks,
		OpenFiles,
		Alarms,
		Preallocations,
		PreallocationsUnsupported,
	}
}
