package resolver

import "time"

// intervalFor maps record quality to the background refresh interval.
func (r *Resolver) intervalFor(quality float64) time.Duration {
	switch {
	case quality >= highQuality:
		return r.refresh.High
	case quality >= mediumQuality:
		return r.refresh.Medium
	default:
		return r.refresh.Low
	}
}

// afterDetection replaces the refresh timer. A resolved record resets the
// fallback backoff; a fallback retries sooner, doubling from RetryBase up to
// the low tier interval.
func (r *Resolver) afterDetection(out outcome) {
	r.mu.Lock()
	var next time.Duration
	if out.fallback {
		if r.retryDelay == 0 {
			r.retryDelay = r.refresh.RetryBase
		} else {
			r.retryDelay = min(r.retryDelay*2, r.refresh.Low)
		}
		next = r.retryDelay
	} else {
		r.retryDelay = 0
		next = r.intervalFor(out.record.Quality)
	}
	r.mu.Unlock()

	if out.fallback {
		r.logger.Warn("detection fell back, retrying", "retry_in", next)
	} else {
		r.logger.Debug("next refresh scheduled", "in", next, "quality", out.record.Quality)
	}
	r.scheduleRefresh(next)
}

func (r *Resolver) scheduleRefresh(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(d, r.backgroundRefresh)
}

func (r *Resolver) backgroundRefresh() {
	if r.ctx.Err() != nil {
		return
	}
	r.logger.Debug("background refresh")
	r.group.Do(detectKey, r.detect)
}
