// metrics.go: load pipeline counters
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// LoaderMetrics tracks load pipeline activity with lock-free counters.
type LoaderMetrics struct {
	LoadRequests        atomic.Int64
	LoadsSucceeded      atomic.Int64
	LoadsFailed         atomic.Int64
	CacheHits           atomic.Int64
	DisabledRejections  atomic.Int64
	LockTimeouts        atomic.Int64
	Retries             atomic.Int64
	RetrySuccesses      atomic.Int64
	StageFailures       atomic.Int64
	EntryResolutions    atomic.Int64
	ApplicationsStarted atomic.Int64

	lastLoadNano atomic.Int64
}

func (m *LoaderMetrics) markLoad() {
	m.lastLoadNano.Store(timecache.CachedTimeNano())
}

// LastLoadTime returns when the last load call finished, or the zero time.
func (m *LoaderMetrics) LastLoadTime() time.Time {
	n := m.lastLoadNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MetricsSnapshot is a point-in-time copy of LoaderMetrics.
type MetricsSnapshot struct {
	LoadRequests        int64     `json:"load_requests"`
	LoadsSucceeded      int64     `json:"loads_succeeded"`
	LoadsFailed         int64     `json:"loads_failed"`
	CacheHits           int64     `json:"cache_hits"`
	DisabledRejections  int64     `json:"disabled_rejections"`
	LockTimeouts        int64     `json:"lock_timeouts"`
	Retries             int64     `json:"retries"`
	RetrySuccesses      int64     `json:"retry_successes"`
	StageFailures       int64     `json:"stage_failures"`
	EntryResolutions    int64     `json:"entry_resolutions"`
	ApplicationsStarted int64     `json:"applications_started"`
	LastLoad            time.Time `json:"last_load,omitempty"`
}

// Snapshot copies the current counters.
func (m *LoaderMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		LoadRequests:        m.LoadRequests.Load(),
		LoadsSucceeded:      m.LoadsSucceeded.Load(),
		LoadsFailed:         m.LoadsFailed.Load(),
		CacheHits:           m.CacheHits.Load(),
		DisabledRejections:  m.DisabledRejections.Load(),
		LockTimeouts:        m.LockTimeouts.Load(),
		Retries:             m.Retries.Load(),
		RetrySuccesses:      m.RetrySuccesses.Load(),
		StageFailures:       m.StageFailures.Load(),
		EntryResolutions:    m.EntryResolutions.Load(),
		ApplicationsStarted: m.ApplicationsStarted.Load(),
		LastLoad:            m.LastLoadTime(),
	}
}
