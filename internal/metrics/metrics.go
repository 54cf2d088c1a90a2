// Package metrics provides Prometheus metrics for gridmesh nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all gridmesh metrics.
var Registry = prometheus.NewRegistry()

// GridMetrics holds all Prometheus metrics for a gridmesh node.
type GridMetrics struct {
	// Request correlation (counters)
	RequestsStarted     prometheus.Counter
	RequestsSucceeded   prometheus.Counter
	RequestsTimedOut    prometheus.Counter
	RequestsUnreachable prometheus.Counter
	RequestsRemoteError prometheus.Counter
	RequestsOtherError  prometheus.Counter
	RequestsRejected    prometheus.Counter
	UnknownResponses    prometheus.Counter
	ViewChanges         prometheus.Counter
	RequestLatencyTotal prometheus.Counter // seconds, sum over completed requests
	RequestsPending     prometheus.Gauge

	// Cross-site backups
	BackupsSent        *prometheus.CounterVec // labels: mode (sync, async)
	BackupsSkipped     prometheus.Counter
	BackupRemoteErrors prometheus.Counter
	BackupCommErrors   prometheus.Counter
	OfflineTransitions prometheus.Counter
	SiteOffline        *prometheus.GaugeVec // labels: site
	BackupWaitSeconds  prometheus.Histogram

	// Membership
	ClusterMembers prometheus.Gauge
	ViewID         prometheus.Gauge

	// Transport (counters)
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	SendErrors       prometheus.Counter
	RateLimited      prometheus.Counter
	Compressed       prometheus.Counter
	TrackerTimeouts  prometheus.Counter
	CommandsHandled  prometheus.Counter
	InFlight         prometheus.Gauge

	// Node info (constant labels exposed as a gauge)
	NodeInfo *prometheus.GaugeVec // labels: site, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// InitMetrics initializes all metrics with the given node name as a constant label.
func InitMetrics(nodeName, site, version string) *GridMetrics {
	constLabels := prometheus.Labels{
		"node": nodeName,
	}
	factory := promauto.With(Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	m := &GridMetrics{
		RequestsStarted:     counter("gridmesh_requests_started_total", "Total remote requests registered"),
		RequestsSucceeded:   counter("gridmesh_requests_succeeded_total", "Total remote requests completed successfully"),
		RequestsTimedOut:    counter("gridmesh_requests_timed_out_total", "Total remote requests that timed out"),
		RequestsUnreachable: counter("gridmesh_requests_unreachable_total", "Total remote requests failed by a departed target"),
		RequestsRemoteError: counter("gridmesh_requests_remote_errors_total", "Total remote requests failed by a remote exception"),
		RequestsOtherError:  counter("gridmesh_requests_other_errors_total", "Total remote requests failed for other reasons"),
		RequestsRejected:    counter("gridmesh_requests_rejected_total", "Total requests rejected by the repository"),
		UnknownResponses:    counter("gridmesh_unknown_responses_total", "Total responses for requests that were no longer pending"),
		ViewChanges:         counter("gridmesh_view_changes_total", "Total cluster views delivered to pending requests"),
		RequestLatencyTotal: counter("gridmesh_request_latency_seconds_total", "Sum of the latency of completed requests"),
		RequestsPending:     gauge("gridmesh_requests_pending", "Remote requests waiting for responses"),

		BackupsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "gridmesh_backups_sent_total",
			Help:        "Total backup commands sent to remote sites",
			ConstLabels: constLabels,
		}, []string{"mode"}),

		BackupsSkipped:     counter("gridmesh_backups_skipped_offline_total", "Total backups skipped because the site was offline"),
		BackupRemoteErrors: counter("gridmesh_backup_remote_errors_total", "Total backups failed by the remote site"),
		BackupCommErrors:   counter("gridmesh_backup_communication_errors_total", "Total backups that never reached the remote site"),
		OfflineTransitions: counter("gridmesh_site_offline_transitions_total", "Total times a site was taken offline"),

		SiteOffline: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "gridmesh_site_offline",
			Help:        "Backup site offline state (1=offline, 0=online)",
			ConstLabels: constLabels,
		}, []string{"site"}),

		BackupWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "gridmesh_backup_wait_seconds",
			Help:        "Time spent waiting for synchronous backups",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		ClusterMembers: gauge("gridmesh_cluster_members", "Members in the current cluster view"),
		ViewID:         gauge("gridmesh_view_id", "Identifier of the current cluster view"),

		MessagesSent:     counter("gridmesh_transport_messages_sent_total", "Total envelopes sent"),
		MessagesReceived: counter("gridmesh_transport_messages_received_total", "Total envelopes received"),
		BytesSent:        counter("gridmesh_transport_bytes_sent_total", "Total envelope bytes sent"),
		BytesReceived:    counter("gridmesh_transport_bytes_received_total", "Total envelope bytes received"),
		SendErrors:       counter("gridmesh_transport_send_errors_total", "Total failed sends"),
		RateLimited:      counter("gridmesh_transport_rate_limited_total", "Total incoming envelopes dropped by the rate limiter"),
		Compressed:       counter("gridmesh_transport_compressed_total", "Total payloads sent zstd compressed"),
		TrackerTimeouts:  counter("gridmesh_transport_tracker_timeouts_total", "Total sends whose response never arrived"),
		CommandsHandled:  counter("gridmesh_transport_commands_handled_total", "Total incoming commands executed"),
		InFlight:         gauge("gridmesh_transport_in_flight", "Sends waiting for a response"),

		NodeInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "gridmesh_node_info",
			Help:        "Node information",
			ConstLabels: constLabels,
		}, []string{"site", "version"}),
	}

	m.NodeInfo.WithLabelValues(site, version).Set(1)

	return m
}
