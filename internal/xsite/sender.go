package xsite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// ErrUnknownSite is returned for a site that is not configured.
var ErrUnknownSite = errors.New("unknown backup site")

// SiteTransport dispatches a command to a remote site. SendToSite returns
// without waiting for the site, so the sites of one backup are contacted
// concurrently. The returned future completes with the raw site response,
// so remote exceptions stay values.
type SiteTransport interface {
	SendToSite(ctx context.Context, site string, command []byte, timeout time.Duration) *remoting.Future[proto.Response]
}

// FailurePolicy decides what a failed synchronous backup means for the
// local operation.
type FailurePolicy string

const (
	// FailurePolicyWarn logs the failure.
	FailurePolicyWarn FailurePolicy = "warn"
	// FailurePolicyFail fails the local operation.
	FailurePolicyFail FailurePolicy = "fail"
	// FailurePolicyIgnore drops the failure silently.
	FailurePolicyIgnore FailurePolicy = "ignore"
)

// SiteConfig configures one backup site.
type SiteConfig struct {
	Backup
	TakeOffline   TakeOfflineConfig
	FailurePolicy FailurePolicy
}

// SenderConfig contains configuration for the backup sender.
type SenderConfig struct {
	Logger zerolog.Logger
	Sites  []SiteConfig
}

// BackupFailureError lists the sites whose failure policy is "fail".
type BackupFailureError struct {
	Failures map[string]error
}

func (e *BackupFailureError) Error() string {
	sites := make([]string, 0, len(e.Failures))
	for site := range e.Failures {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	parts := make([]string, len(sites))
	for i, site := range sites {
		parts[i] = fmt.Sprintf("%s: %v", site, e.Failures[site])
	}
	return "backup failed on " + strings.Join(parts, "; ")
}

func (e *BackupFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

type site struct {
	config SiteConfig
	status *OfflineStatus
}

// BackupSender replicates commands to the configured sites and takes sites
// offline after repeated communication failures.
type BackupSender struct {
	logger    zerolog.Logger
	transport SiteTransport
	sites     []*site
	byName    map[string]*site

	// Metrics
	metricsMu          sync.RWMutex
	syncSent           uint64
	asyncSent          uint64
	skippedOffline     uint64
	remoteFailures     uint64
	communicationFails uint64
	offlineTransitions uint64
}

// NewBackupSender validates config and creates a sender.
func NewBackupSender(config SenderConfig, transport SiteTransport) (*BackupSender, error) {
	if transport == nil {
		return nil, errors.New("backup sender needs a site transport")
	}
	s := &BackupSender{
		logger:    config.Logger.With().Str("component", "backup-sender").Logger(),
		transport: transport,
		byName:    make(map[string]*site, len(config.Sites)),
	}
	for _, sc := range config.Sites {
		if sc.Site == "" {
			return nil, errors.New("backup site name is required")
		}
		if _, dup := s.byName[sc.Site]; dup {
			return nil, fmt.Errorf("duplicate backup site %q", sc.Site)
		}
		if sc.FailurePolicy == "" {
			sc.FailurePolicy = FailurePolicyWarn
		}
		st := &site{config: sc, status: NewOfflineStatus(sc.TakeOffline)}
		s.sites = append(s.sites, st)
		s.byName[sc.Site] = st
	}
	return s, nil
}

// Backup dispatches command to every online site. Async sites are not
// tracked and their sends outlive ctx; the returned response covers the
// sync sites only. Site budgets count from the start of the dispatch.
func (s *BackupSender) Backup(ctx context.Context, command []byte) *BackupResponse {
	sendTime := time.Now()
	var calls []SiteCall
	for _, st := range s.sites {
		b := st.config.Backup
		if st.status.IsOffline() {
			s.logger.Debug().Str("site", b.Site).Msg("Skipping offline site")
			s.incrementSkipped()
			continue
		}

		if !b.Sync {
			s.transport.SendToSite(context.WithoutCancel(ctx), b.Site, command, b.Timeout)
			s.incrementAsync()
			continue
		}
		call := s.transport.SendToSite(ctx, b.Site, command, b.Timeout)
		calls = append(calls, SiteCall{Backup: b, Call: call})
	}

	s.metricsMu.Lock()
	s.syncSent += uint64(len(calls))
	s.metricsMu.Unlock()

	resp := NewBackupResponse(calls, s.logger)
	resp.sendTime = sendTime
	return resp
}

// ProcessResponse feeds the outcome of a finished backup into the offline
// trackers and applies each site's failure policy. It returns a
// *BackupFailureError when a site with the "fail" policy failed.
func (s *BackupSender) ProcessResponse(resp *BackupResponse) error {
	failed := resp.FailedBackups()
	now := time.Now()

	var fatal map[string]error
	for _, siteName := range resp.Sites() {
		st, ok := s.byName[siteName]
		if !ok {
			continue
		}

		err, isFailed := failed[siteName]
		if !isFailed {
			st.status.Reset()
			continue
		}

		if resp.IsCommunicationError(siteName) {
			s.incrementCommunicationFailures()
			if st.status.UpdateOnCommunicationFailure(now) {
				s.incrementOfflineTransitions()
				s.logger.Warn().
					Str("site", siteName).
					Int("failures", st.status.FailureCount()).
					Msg("Taking backup site offline")
			}
		} else {
			s.incrementRemoteFailures()
		}

		switch st.config.FailurePolicy {
		case FailurePolicyFail:
			if fatal == nil {
				fatal = make(map[string]error)
			}
			fatal[siteName] = err
		case FailurePolicyWarn:
			s.logger.Warn().Err(err).Str("site", siteName).Msg("Backup to site failed")
		case FailurePolicyIgnore:
		}
	}

	if fatal != nil {
		return &BackupFailureError{Failures: fatal}
	}
	return nil
}

// BackupAndWait runs Backup, waits for the sync sites and processes the
// outcome.
func (s *BackupSender) BackupAndWait(ctx context.Context, command []byte) (*BackupResponse, error) {
	resp := s.Backup(ctx, command)
	if resp.IsEmpty() {
		return resp, nil
	}
	waitErr := resp.WaitForBackupToFinish(ctx)
	if err := s.ProcessResponse(resp); err != nil {
		return resp, err
	}
	return resp, waitErr
}

// BringSiteOnline puts site back online.
func (s *BackupSender) BringSiteOnline(siteName string) error {
	st, ok := s.byName[siteName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteName)
	}
	if st.status.BringOnline() {
		s.logger.Info().Str("site", siteName).Msg("Backup site brought online")
	}
	return nil
}

// TakeSiteOffline takes site offline until BringSiteOnline is called.
func (s *BackupSender) TakeSiteOffline(siteName string) error {
	st, ok := s.byName[siteName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, siteName)
	}
	if st.status.ForceOffline() {
		s.incrementOfflineTransitions()
		s.logger.Info().Str("site", siteName).Msg("Backup site taken offline")
	}
	return nil
}

// IsOffline reports whether site is offline.
func (s *BackupSender) IsOffline(siteName string) (bool, error) {
	st, ok := s.byName[siteName]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSite, siteName)
	}
	return st.status.IsOffline(), nil
}

// Sites returns the configured site names in configuration order.
func (s *BackupSender) Sites() []string {
	out := make([]string, 0, len(s.sites))
	for _, st := range s.sites {
		out = append(out, st.config.Site)
	}
	return out
}

// OfflineSites returns the sorted names of the offline sites.
func (s *BackupSender) OfflineSites() []string {
	var out []string
	for _, st := range s.sites {
		if st.status.IsOffline() {
			out = append(out, st.config.Site)
		}
	}
	sort.Strings(out)
	return out
}

// SenderStats contains backup statistics.
type SenderStats struct {
	SyncSent            uint64 `json:"sync_sent"`
	AsyncSent           uint64 `json:"async_sent"`
	SkippedOffline      uint64 `json:"skipped_offline"`
	RemoteFailures      uint64 `json:"remote_failures"`
	CommunicationErrors uint64 `json:"communication_errors"`
	OfflineTransitions  uint64 `json:"offline_transitions"`
	OfflineSites        int    `json:"offline_sites"`
}

// GetStats returns a snapshot of the sender statistics.
func (s *BackupSender) GetStats() SenderStats {
	offline := len(s.OfflineSites())

	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()

	return SenderStats{
		SyncSent:            s.syncSent,
		AsyncSent:           s.asyncSent,
		SkippedOffline:      s.skippedOffline,
		RemoteFailures:      s.remoteFailures,
		CommunicationErrors: s.communicationFails,
		OfflineTransitions:  s.offlineTransitions,
		OfflineSites:        offline,
	}
}

func (s *BackupSender) incrementAsync() {
	s.metricsMu.Lock()
	s.asyncSent++
	s.metricsMu.Unlock()
}

func (s *BackupSender) incrementSkipped() {
	s.metricsMu.Lock()
	s.skippedOffline++
	s.metricsMu.Unlock()
}

func (s *BackupSender) incrementRemoteFailures() {
	s.metricsMu.Lock()
	s.remoteFailures++
	s.metricsMu.Unlock()
}

func (s *BackupSender) incrementCommunicationFailures() {
	s.metricsMu.Lock()
	s.communicationFails++
	s.metricsMu.Unlock()
}

func (s *BackupSender) incrementOfflineTransitions() {
	s.metricsMu.Lock()
	s.offlineTransitions++
	s.metricsMu.Unlock()
}
