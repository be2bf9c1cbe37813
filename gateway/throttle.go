package gateway

import (
	"sync"
	"time"

	"lendvault/native/common"
)

// Throttle enforces the per-client write quota. Counters reset every quota
// epoch; an unset quota admits everything.
type Throttle struct {
	mu    sync.Mutex
	quota common.Quota
	usage map[string]common.QuotaNow
	nowFn func() time.Time
}

// NewThrottle builds a throttle for the supplied quota.
func NewThrottle(quota common.Quota) *Throttle {
	if quota.EpochSeconds == 0 {
		quota.EpochSeconds = 60
	}
	return &Throttle{
		quota: quota,
		usage: make(map[string]common.QuotaNow),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (t *Throttle) SetNowFunc(now func() time.Time) {
	if t == nil || now == nil {
		return
	}
	t.mu.Lock()
	t.nowFn = now
	t.mu.Unlock()
}

// Check consumes one request from the client's quota, rejecting with the
// quota error when the budget is spent.
func (t *Throttle) Check(client string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	epoch := uint64(t.nowFn().Unix()) / uint64(t.quota.EpochSeconds)
	next, err := common.CheckQuota(t.quota, epoch, t.usage[client], 1, 0)
	if err != nil {
		return err
	}
	t.usage[client] = next
	return nil
}
