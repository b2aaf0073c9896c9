package ble

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	limit := time.Duration(maxSeconds) * time.Second
	if delay > limit {
		return limit
	}
	return delay
}

// maybeReconnect starts the reconnect loop after an unexpected link loss.
// At most one loop runs at a time.
func (s *Session) maybeReconnect() {
	if s.opts.ReconnectMax <= 0 || !s.want.Load() || s.closed.Load() {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go s.reconnectLoop()
}

// reconnectLoop queues Connect with exponential backoff until one succeeds,
// the application disconnects or the session closes.
func (s *Session) reconnectLoop() {
	defer s.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.ReconnectMax)
			s.log.Info("ble: reconnect backoff", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-s.done:
				t.Stop()
				return
			}
		}
		if !s.want.Load() || s.closed.Load() {
			return
		}

		h := s.Enqueue(s.connectOp())
		select {
		case <-h.Done():
		case <-s.done:
			return
		}
		if _, err := h.Result(); err != nil {
			if errors.Is(err, ErrNotSupported) {
				s.log.Error("ble: reconnect stopped, peer no longer supported", zap.Error(err))
				return
			}
			s.log.Warn("ble: reconnect failed", zap.Error(err), zap.Int("attempt", attempt+1))
			continue
		}
		s.log.Info("ble: reconnected", zap.String("address", s.opts.Address))
		return
	}
}
