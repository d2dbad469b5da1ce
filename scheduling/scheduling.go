// Package scheduling holds the process-local scheduler state: per-source
// event rate limiting and per-trigger failure pausing. All state is
// in-memory and intentionally transient; bouncing the process clears every
// pause and sources resume normal operation.
package scheduling

import (
	"sort"
	"sync"
	"time"

	"github.com/apphub/apphub/core"
)

// Pause reasons surfaced to operators.
const (
	ReasonRateLimit        = "rate_limit"
	ReasonFailureThreshold = "failure_threshold_exceeded"
)

// SourcePause describes one paused event source.
type SourcePause struct {
	Source string    `json:"source"`
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

// TriggerPause describes one paused trigger.
type TriggerPause struct {
	TriggerID    string    `json:"triggerId"`
	Reason       string    `json:"reason"`
	Until        time.Time `json:"until"`
	FailureCount int       `json:"failureCount"`
}

// Snapshot lists the active pauses for the operator surface.
type Snapshot struct {
	Sources  []SourcePause  `json:"sources"`
	Triggers []TriggerPause `json:"triggers"`
}

// State enforces source rate limits and trigger failure pausing.
type State struct {
	logger core.Logger
	now    func() time.Time

	limits   map[string]core.SourceRateLimit // source (or "*") → config
	wildcard *core.SourceRateLimit

	errorThreshold int
	errorWindow    time.Duration
	triggerPause   time.Duration

	mu             sync.Mutex
	sourceWindows  map[string][]time.Time
	sourcePaused   map[string]SourcePause
	triggerWindows map[string][]time.Time
	triggerPaused  map[string]TriggerPause
}

// Option adjusts the scheduler state at construction.
type Option func(*State)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) Option {
	return func(s *State) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds scheduler state from the process configuration.
func New(cfg core.SchedulingConfig, opts ...Option) *State {
	s := &State{
		logger:         &core.NoOpLogger{},
		now:            time.Now,
		limits:         make(map[string]core.SourceRateLimit),
		errorThreshold: cfg.TriggerErrorThreshold,
		errorWindow:    cfg.TriggerErrorWindow,
		triggerPause:   cfg.TriggerPause,
		sourceWindows:  make(map[string][]time.Time),
		sourcePaused:   make(map[string]SourcePause),
		triggerWindows: make(map[string][]time.Time),
		triggerPaused:  make(map[string]TriggerPause),
	}
	for _, rl := range cfg.RateLimits {
		rl := rl
		if rl.Source == "*" {
			s.wildcard = &rl
			continue
		}
		s.limits[rl.Source] = rl
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// limitFor resolves the rate limit config for a source: exact entry first,
// then the wildcard, then none.
func (s *State) limitFor(source string) (core.SourceRateLimit, bool) {
	if rl, ok := s.limits[source]; ok {
		return rl, true
	}
	if s.wildcard != nil {
		return *s.wildcard, true
	}
	return core.SourceRateLimit{}, false
}

// RegisterSourceEvent records one event from source and reports whether it
// may proceed. While a source is paused every call reports allowed=false.
func (s *State) RegisterSourceEvent(source string) bool {
	rl, configured := s.limitFor(source)
	if !configured {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if pause, paused := s.sourcePaused[source]; paused {
		if now.Before(pause.Until) {
			return false
		}
		delete(s.sourcePaused, source)
	}

	interval := time.Duration(rl.IntervalMs) * time.Millisecond
	window := trimWindow(s.sourceWindows[source], now.Add(-interval))
	window = append(window, now)
	s.sourceWindows[source] = window

	if len(window) > rl.Limit {
		until := now.Add(time.Duration(rl.PauseMs) * time.Millisecond)
		s.sourcePaused[source] = SourcePause{Source: source, Reason: ReasonRateLimit, Until: until}
		s.sourceWindows[source] = nil
		s.logger.Warn("event source paused", map[string]interface{}{
			"source": source, "reason": ReasonRateLimit, "until": until, "limit": rl.Limit,
		})
		return false
	}
	return true
}

// TriggerPaused reports whether triggerID is currently paused.
func (s *State) TriggerPaused(triggerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pause, ok := s.triggerPaused[triggerID]
	if !ok {
		return false
	}
	if s.now().Before(pause.Until) {
		return true
	}
	delete(s.triggerPaused, triggerID)
	return false
}

// RecordTriggerFailure appends one failure to the trigger's sliding window
// and pauses the trigger when the threshold is reached. Returns true when
// this failure tripped the pause.
func (s *State) RecordTriggerFailure(triggerID string) bool {
	if s.errorThreshold <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	window := trimWindow(s.triggerWindows[triggerID], now.Add(-s.errorWindow))
	window = append(window, now)
	s.triggerWindows[triggerID] = window

	if len(window) < s.errorThreshold {
		return false
	}

	until := now.Add(s.triggerPause)
	s.triggerPaused[triggerID] = TriggerPause{
		TriggerID:    triggerID,
		Reason:       ReasonFailureThreshold,
		Until:        until,
		FailureCount: len(window),
	}
	s.triggerWindows[triggerID] = nil
	s.logger.Warn("trigger paused", map[string]interface{}{
		"trigger_id": triggerID, "reason": ReasonFailureThreshold, "until": until,
	})
	return true
}

// RecordTriggerSuccess clears the trigger's failure window.
func (s *State) RecordTriggerSuccess(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggerWindows, triggerID)
}

// ActivePauses returns the pauses still in effect, sorted for stable output.
// Expired entries are dropped as a side effect.
func (s *State) ActivePauses() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := Snapshot{}
	for source, pause := range s.sourcePaused {
		if !now.Before(pause.Until) {
			delete(s.sourcePaused, source)
			continue
		}
		snap.Sources = append(snap.Sources, pause)
	}
	for id, pause := range s.triggerPaused {
		if !now.Before(pause.Until) {
			delete(s.triggerPaused, id)
			continue
		}
		snap.Triggers = append(snap.Triggers, pause)
	}
	sort.Slice(snap.Sources, func(i, j int) bool { return snap.Sources[i].Source < snap.Sources[j].Source })
	sort.Slice(snap.Triggers, func(i, j int) bool { return snap.Triggers[i].TriggerID < snap.Triggers[j].TriggerID })
	return snap
}

// trimWindow drops timestamps at or before the cutoff. Windows stay short
// (bounded by the configured limits) so a linear scan is fine.
func trimWindow(window []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	return window[idx:]
}
