package ingress

import (
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"atprouter/config"
	"atprouter/internal/frame"
	"atprouter/internal/metrics"
	"atprouter/internal/scheduler"
	"atprouter/utils"
)

// errFrame builds the wire-level error payloads spec.md §6 names:
// invalid_frame, binary_not_supported, ttl_expired.
func errFrame(code string) []byte {
	return []byte(`{"error":"` + code + `"}`)
}

// Decoder owns the per-session request-rate limiter (a WAF-style
// adaptation of the teacher's per-IP ipCache, keyed on session_id instead
// of remote address since a single client connection carries many
// sessions' worth of frames over its lifetime) and routes admitted frames
// into a Scheduler.
type Decoder struct {
	sched     *scheduler.Scheduler
	sessCache *cache.Cache
	limit     int
}

// NewDecoder builds a Decoder bound to sched, using the configured
// ingress rate limit.
func NewDecoder(sched *scheduler.Scheduler) *Decoder {
	rl := config.GlobalCfg.IngressRateLimit
	window := time.Duration(rl.WindowSeconds) * time.Second
	return &Decoder{
		sched:     sched,
		sessCache: cache.New(window, 2*window),
		limit:     rl.MaxFramesPerWindow,
	}
}

// Serve reads frames off conn until it errors or closes, validating each
// one and enqueuing admitted work. Every frame arriving on conn shares one
// reply channel and one writer goroutine, matching the original
// implementation's single per-socket mpsc channel.
func (d *Decoder) Serve(conn Conn) {
	defer conn.Close()

	replies := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range replies {
			if err := conn.WriteMessage(msg); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(replies)
		<-done
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if kind == KindBinary {
			replies <- errFrame("binary_not_supported")
			continue
		}

		var f frame.Frame
		if err := frame.Unmarshal(data, &f); err != nil {
			replies <- errFrame("invalid_frame")
			continue
		}
		metrics.FramesRxTotal.WithLabelValues(f.QoS).Inc()

		if f.TTL == 0 {
			replies <- errFrame("ttl_expired")
			continue
		}

		if !d.admitRate(f.SessionID) {
			utils.Logger.Warn("ingress rate limit tripped",
				zap.String("session_id", f.SessionID),
				zap.String("remote", conn.RemoteAddr()))
			replies <- errFrame("rate_limited")
			continue
		}

		d.sched.Enqueue(scheduler.WorkItem{Frame: f, ReplyTx: replies})
	}
}

// admitRate reports whether session_id is still within its request budget
// for the current counting window, incrementing its counter as a side
// effect. The window starts at the session's first counted frame and is
// not extended by later frames.
func (d *Decoder) admitRate(sessionID string) bool {
	if d.limit <= 0 || sessionID == "" {
		return true
	}
	if count, found := d.sessCache.Get(sessionID); found {
		if count.(int) >= d.limit {
			return false
		}
		d.sessCache.Increment(sessionID, 1)
		return true
	}
	d.sessCache.Set(sessionID, 1, cache.DefaultExpiration)
	return true
}
