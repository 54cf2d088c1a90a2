package metrics

import (
	"context"
	"time"

	"github.com/gridmesh/gridmesh/internal/cluster"
	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/internal/transport"
	"github.com/gridmesh/gridmesh/internal/xsite"
)

// RequestStats interface for getting request correlation statistics.
type RequestStats interface {
	GetStats() remoting.Stats
}

// BackupStats interface for getting cross-site backup statistics.
type BackupStats interface {
	GetStats() xsite.SenderStats
	Sites() []string
	IsOffline(site string) (bool, error)
}

// ViewProvider interface for getting the current cluster view.
type ViewProvider interface {
	View() cluster.View
}

// TransportStats interface for getting transport statistics.
type TransportStats interface {
	GetStats() transport.Stats
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Requests  RequestStats
	Backups   BackupStats
	Views     ViewProvider
	Transport TransportStats
}

// Collector periodically copies component statistics into GridMetrics.
// Counters advance by the delta since the previous collection.
type Collector struct {
	metrics   *GridMetrics
	requests  RequestStats
	backups   BackupStats
	views     ViewProvider
	transport TransportStats

	// Last snapshots for delta calculation
	lastRequests  remoting.Stats
	lastBackups   xsite.SenderStats
	lastTransport transport.Stats
}

// NewCollector creates a new metrics collector.
func NewCollector(m *GridMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:   m,
		requests:  cfg.Requests,
		backups:   cfg.Backups,
		views:     cfg.Views,
		transport: cfg.Transport,
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect() {
	c.collectRequestStats()
	c.collectBackupStats()
	c.collectViewStats()
	c.collectTransportStats()
}

// ObserveBackupWait records the time spent waiting for synchronous backups.
func (c *Collector) ObserveBackupWait(d time.Duration) {
	c.metrics.BackupWaitSeconds.Observe(d.Seconds())
}

func addDelta(counter interface{ Add(float64) }, current, last uint64) {
	if current > last {
		counter.Add(float64(current - last))
	}
}

func (c *Collector) collectRequestStats() {
	if c.requests == nil {
		return
	}

	stats := c.requests.GetStats()
	last := c.lastRequests

	addDelta(c.metrics.RequestsStarted, stats.Started, last.Started)
	addDelta(c.metrics.RequestsSucceeded, stats.Succeeded, last.Succeeded)
	addDelta(c.metrics.RequestsTimedOut, stats.TimedOut, last.TimedOut)
	addDelta(c.metrics.RequestsUnreachable, stats.Unreachable, last.Unreachable)
	addDelta(c.metrics.RequestsRemoteError, stats.RemoteErrors, last.RemoteErrors)
	addDelta(c.metrics.RequestsOtherError, stats.OtherErrors, last.OtherErrors)
	addDelta(c.metrics.RequestsRejected, stats.Rejected, last.Rejected)
	addDelta(c.metrics.UnknownResponses, stats.UnknownResponses, last.UnknownResponses)
	addDelta(c.metrics.ViewChanges, stats.ViewChanges, last.ViewChanges)
	if stats.TotalLatency > last.TotalLatency {
		c.metrics.RequestLatencyTotal.Add((stats.TotalLatency - last.TotalLatency).Seconds())
	}
	c.metrics.RequestsPending.Set(float64(stats.Pending))

	// Store current for next delta
	c.lastRequests = stats
}

func (c *Collector) collectBackupStats() {
	if c.backups == nil {
		return
	}

	stats := c.backups.GetStats()
	last := c.lastBackups

	addDelta(c.metrics.BackupsSent.WithLabelValues("sync"), stats.SyncSent, last.SyncSent)
	addDelta(c.metrics.BackupsSent.WithLabelValues("async"), stats.AsyncSent, last.AsyncSent)
	addDelta(c.metrics.BackupsSkipped, stats.SkippedOffline, last.SkippedOffline)
	addDelta(c.metrics.BackupRemoteErrors, stats.RemoteFailures, last.RemoteFailures)
	addDelta(c.metrics.BackupCommErrors, stats.CommunicationErrors, last.CommunicationErrors)
	addDelta(c.metrics.OfflineTransitions, stats.OfflineTransitions, last.OfflineTransitions)

	for _, site := range c.backups.Sites() {
		offline, err := c.backups.IsOffline(site)
		if err != nil {
			continue
		}
		if offline {
			c.metrics.SiteOffline.WithLabelValues(site).Set(1)
		} else {
			c.metrics.SiteOffline.WithLabelValues(site).Set(0)
		}
	}

	c.lastBackups = stats
}

func (c *Collector) collectViewStats() {
	if c.views == nil {
		return
	}

	view := c.views.View()
	c.metrics.ClusterMembers.Set(float64(len(view.Members)))
	c.metrics.ViewID.Set(float64(view.ID))
}

func (c *Collector) collectTransportStats() {
	if c.transport == nil {
		return
	}

	stats := c.transport.GetStats()
	last := c.lastTransport

	addDelta(c.metrics.MessagesSent, stats.MessagesSent, last.MessagesSent)
	addDelta(c.metrics.MessagesReceived, stats.MessagesReceived, last.MessagesReceived)
	addDelta(c.metrics.BytesSent, stats.BytesSent, last.BytesSent)
	addDelta(c.metrics.BytesReceived, stats.BytesReceived, last.BytesReceived)
	addDelta(c.metrics.SendErrors, stats.SendErrors, last.SendErrors)
	addDelta(c.metrics.RateLimited, stats.RateLimited, last.RateLimited)
	addDelta(c.metrics.Compressed, stats.Compressed, last.Compressed)
	addDelta(c.metrics.TrackerTimeouts, stats.TrackerTimeouts, last.TrackerTimeouts)
	addDelta(c.metrics.CommandsHandled, stats.CommandsHandled, last.CommandsHandled)
	c.metrics.InFlight.Set(float64(stats.InFlight))

	c.lastTransport = stats
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
