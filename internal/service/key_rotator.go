package service

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"codegate/activation/internal/config"
	"codegate/activation/internal/metrics"
)

// Credential is the handle returned by Select. Reports are applied to the key
// the handle names, so concurrent callers never report against each other's key.
type Credential struct {
	Index int
	Key   string
}

// KeyStatus is an observability snapshot of one key.
type KeyStatus struct {
	Index            int        `json:"index"`
	Key              string     `json:"key"`
	Active           bool       `json:"active"`
	DailyUsed        int        `json:"daily_used"`
	DailyRemaining   int        `json:"daily_remaining"`
	TotalRequests    int64      `json:"total_requests"`
	FailedRequests   int64      `json:"failed_requests"`
	ConsecutiveFails int        `json:"consecutive_failures"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	LastSuccess      *time.Time `json:"last_success,omitempty"`
	AverageLatencyMS float64    `json:"average_latency_ms"`
	LastReset        string     `json:"last_reset"`
	Current          bool       `json:"current"`
}

type keyHealth struct {
	key         string
	total       int64
	failed      int64
	daily       int
	lastReset   string
	active      bool
	consecutive int
	lastUsed    time.Time
	lastSuccess time.Time
	latencies   []time.Duration
}

// KeyRotator balances outbound calls across a fixed pool of upstream keys. It
// picks the eligible key with the lowest daily count and quarantines keys that
// keep failing.
type KeyRotator struct {
	mu            sync.Mutex
	keys          []*keyHealth
	dailyLimit    int
	threshold     int
	cooldown      time.Duration
	latencyWindow int
	current       int
	loc           *time.Location
	logger        *zap.Logger
	now           func() time.Time
}

func NewKeyRotator(cfg config.RotatorConfig, logger *zap.Logger) (*KeyRotator, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load rotator timezone: %w", err)
	}
	r := &KeyRotator{
		dailyLimit:    cfg.DailyLimit,
		threshold:     cfg.FailureThreshold,
		cooldown:      cfg.Cooldown,
		latencyWindow: cfg.LatencyWindow,
		loc:           loc,
		logger:        logger,
		now:           time.Now,
		current:       -1,
	}
	today := r.today()
	for _, k := range cfg.Keys {
		r.keys = append(r.keys, &keyHealth{key: k, active: true, lastReset: today})
	}
	metrics.KeysActive.Set(float64(len(r.keys)))
	return r, nil
}

func (r *KeyRotator) today() string {
	return r.now().In(r.loc).Format(expiryDateLayout)
}

// Len is the configured pool size.
func (r *KeyRotator) Len() int {
	return len(r.keys)
}

// Select returns the key for the next outbound call and records the use.
func (r *KeyRotator) Select() (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return Credential{}, ErrUpstreamKeyExhausted
	}

	now := r.now()
	r.rollover(now)

	best := r.pick(now)
	if best < 0 {
		r.reactivateAll()
		best = r.pick(now)
		if best < 0 {
			// every key is over the daily ceiling; spread the overflow the same way
			best = r.lowestDaily()
		}
	}

	h := r.keys[best]
	if !h.active {
		// half-open after cooldown: back in rotation, one more failure re-quarantines
		h.active = true
		r.updateActiveGauge()
	}
	h.total++
	h.daily++
	h.lastUsed = now
	r.current = best

	metrics.KeySelectionsTotal.WithLabelValues(strconv.Itoa(best)).Inc()
	return Credential{Index: best, Key: h.key}, nil
}

// ReportSuccess clears the key's failure streak and records latency.
func (r *KeyRotator) ReportSuccess(cred Credential, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.handle(cred)
	if h == nil {
		return
	}
	h.consecutive = 0
	h.lastSuccess = r.now()
	if latency > 0 {
		h.latencies = append(h.latencies, latency)
		if n := len(h.latencies); n > r.latencyWindow {
			h.latencies = h.latencies[n-r.latencyWindow:]
		}
	}
	metrics.KeyReportsTotal.WithLabelValues(strconv.Itoa(cred.Index), "success").Inc()
}

// ReportFailure counts a failure and quarantines the key at the threshold.
func (r *KeyRotator) ReportFailure(cred Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.handle(cred)
	if h == nil {
		return
	}
	h.failed++
	h.consecutive++
	metrics.KeyReportsTotal.WithLabelValues(strconv.Itoa(cred.Index), "failure").Inc()

	if h.active && h.consecutive >= r.threshold {
		h.active = false
		r.updateActiveGauge()
		metrics.KeyQuarantinesTotal.WithLabelValues(strconv.Itoa(cred.Index)).Inc()
		r.logger.Warn("upstream key quarantined",
			zap.Int("key_index", cred.Index),
			zap.Int("consecutive_failures", h.consecutive),
			zap.Duration("cooldown", r.cooldown))
	}
}

// Status snapshots every key after applying any pending day rollover.
func (r *KeyRotator) Status() []KeyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rollover(r.now())
	out := make([]KeyStatus, 0, len(r.keys))
	for i, h := range r.keys {
		st := KeyStatus{
			Index:            i,
			Key:              maskKey(h.key),
			Active:           h.active,
			DailyUsed:        h.daily,
			DailyRemaining:   max(r.dailyLimit-h.daily, 0),
			TotalRequests:    h.total,
			FailedRequests:   h.failed,
			ConsecutiveFails: h.consecutive,
			AverageLatencyMS: averageMS(h.latencies),
			LastReset:        h.lastReset,
			Current:          i == r.current,
		}
		if !h.lastUsed.IsZero() {
			t := h.lastUsed
			st.LastUsed = &t
		}
		if !h.lastSuccess.IsZero() {
			t := h.lastSuccess
			st.LastSuccess = &t
		}
		out = append(out, st)
	}
	return out
}

// AvailableRequests is the remaining daily capacity across the pool.
func (r *KeyRotator) AvailableRequests() int {
	total := 0
	for _, st := range r.Status() {
		total += st.DailyRemaining
	}
	return total
}

func (r *KeyRotator) handle(cred Credential) *keyHealth {
	if cred.Index < 0 || cred.Index >= len(r.keys) {
		return nil
	}
	h := r.keys[cred.Index]
	if h.key != cred.Key {
		return nil
	}
	return h
}

func (r *KeyRotator) rollover(now time.Time) {
	today := now.In(r.loc).Format(expiryDateLayout)
	changed := false
	for i, h := range r.keys {
		if h.lastReset == today {
			continue
		}
		h.daily = 0
		h.consecutive = 0
		h.lastReset = today
		if !h.active {
			h.active = true
			changed = true
		}
		r.logger.Info("daily key counters reset", zap.Int("key_index", i), zap.String("date", today))
	}
	if changed {
		r.updateActiveGauge()
	}
}

func (r *KeyRotator) eligible(h *keyHealth, now time.Time) bool {
	if h.daily >= r.dailyLimit {
		return false
	}
	if h.active && h.consecutive < r.threshold {
		return true
	}
	return !h.lastUsed.IsZero() && now.Sub(h.lastUsed) >= r.cooldown
}

// pick returns the eligible index with the lowest daily count, lowest index on ties, or -1.
func (r *KeyRotator) pick(now time.Time) int {
	best := -1
	for i, h := range r.keys {
		if !r.eligible(h, now) {
			continue
		}
		if best < 0 || h.daily < r.keys[best].daily {
			best = i
		}
	}
	return best
}

func (r *KeyRotator) lowestDaily() int {
	best := 0
	for i, h := range r.keys {
		if h.daily < r.keys[best].daily {
			best = i
		}
	}
	return best
}

func (r *KeyRotator) reactivateAll() {
	for _, h := range r.keys {
		h.active = true
		h.consecutive = 0
	}
	r.updateActiveGauge()
	metrics.PoolReactivationsTotal.Inc()
	r.logger.Warn("no eligible upstream key, reactivated the whole pool", zap.Int("keys", len(r.keys)))
}

func (r *KeyRotator) updateActiveGauge() {
	n := 0
	for _, h := range r.keys {
		if h.active {
			n++
		}
	}
	metrics.KeysActive.Set(float64(n))
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func averageMS(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return float64(sum.Milliseconds()) / float64(len(samples))
}
