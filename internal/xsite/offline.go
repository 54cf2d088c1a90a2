package xsite

import (
	"sync"
	"time"
)

// TakeOfflineConfig decides when repeated communication failures take a
// site offline. With both fields zero a site is never taken offline
// automatically.
type TakeOfflineConfig struct {
	// AfterFailures is the number of consecutive failures required.
	AfterFailures int
	// MinWait is the minimum time since the first of those failures.
	MinWait time.Duration
}

// Enabled reports whether automatic take-offline applies.
func (c TakeOfflineConfig) Enabled() bool {
	return c.AfterFailures > 0 || c.MinWait > 0
}

// OfflineStatus tracks consecutive communication failures of one site.
type OfflineStatus struct {
	config TakeOfflineConfig

	mu           sync.Mutex
	failures     int
	firstFailure time.Time
	offline      bool
}

// NewOfflineStatus creates an online status.
func NewOfflineStatus(config TakeOfflineConfig) *OfflineStatus {
	return &OfflineStatus{config: config}
}

// UpdateOnCommunicationFailure records a failure observed at now and
// reports whether it took the site offline.
func (s *OfflineStatus) UpdateOnCommunicationFailure(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return false
	}
	if s.failures == 0 {
		s.firstFailure = now
	}
	s.failures++

	if !s.config.Enabled() {
		return false
	}
	if s.config.AfterFailures > 0 && s.failures < s.config.AfterFailures {
		return false
	}
	if s.config.MinWait > 0 && now.Sub(s.firstFailure) < s.config.MinWait {
		return false
	}
	s.offline = true
	return true
}

// Reset clears the failure streak after a successful call.
func (s *OfflineStatus) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.firstFailure = time.Time{}
}

// BringOnline puts the site back online and clears its failures. It
// reports whether the site was offline.
func (s *OfflineStatus) BringOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.offline
	s.offline = false
	s.failures = 0
	s.firstFailure = time.Time{}
	return was
}

// ForceOffline takes the site offline regardless of its failures. It
// reports whether the site was online.
func (s *OfflineStatus) ForceOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := !s.offline
	s.offline = true
	return was
}

// IsOffline reports whether the site is offline.
func (s *OfflineStatus) IsOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// FailureCount returns the length of the current failure streak.
func (s *OfflineStatus) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}
