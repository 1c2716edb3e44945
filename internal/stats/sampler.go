// Package stats implements spec component C8: a 5-second poll of
// peer-connection stats, folded into a running window, with a bounded
// MOS-like quality score derived from jitter and packet loss.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"webphone/internal/clock"
)

const (
	pollInterval = 5 * time.Second
	windowSize   = 12 // 1 minute of 5s samples
)

// Sample is one folded observation of the peer connection's RTP stats.
type Sample struct {
	PacketsLost int64
	JitterMS    float64
	MOS         float64
	SampledAt   time.Time
}

// Sampler polls a *webrtc.PeerConnection on a clock-driven ticker, emitting
// a Sample on every tick where the fold advanced.
type Sampler struct {
	clk clock.Clock

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	window    []Sample
	lastTotal int64

	updates chan Sample
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Sampler over pc. clk defaults to clock.Real{} when nil.
func New(pc *webrtc.PeerConnection, clk clock.Clock) *Sampler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sampler{pc: pc, clk: clk, updates: make(chan Sample, 4)}
}

// Updates returns the channel of folded samples.
func (s *Sampler) Updates() <-chan Sample { return s.updates }

// Start arms the polling interval. Call on SessionDescriptionHandler-created
// (spec.md §4.6); calling Start twice without an intervening Stop is a no-op.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
}

// Rebind switches polling to a freshly created peer connection and clears
// the running window, so stale samples from the old connection don't leak
// into the new one's fold. Callers must Stop before Rebind and Start after,
// matching the Stop/swap/Start sequence spec.md §4.6 requires on a
// SessionDescriptionHandler rebuild.
func (s *Sampler) Rebind(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.pc = pc
	s.window = nil
	s.lastTotal = 0
	s.mu.Unlock()
}

// Stop clears the timer. Called on terminal events and on peer-connection
// rebuild (spec.md §4.6).
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clk.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.poll()
		}
	}
}

func (s *Sampler) poll() {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	report := pc.GetStats()

	var jitterSum float64
	var lossTotal int64
	var n int

	for _, entry := range report {
		switch st := entry.(type) {
		case webrtc.InboundRTPStreamStats:
			jitterSum += st.Jitter
			lossTotal += st.PacketsLost
			n++
		case webrtc.RemoteInboundRTPStreamStats:
			jitterSum += st.Jitter
			lossTotal += st.PacketsLost
			n++
		}
	}
	if n == 0 {
		return
	}

	s.mu.Lock()
	advanced := lossTotal != s.lastTotal || len(s.window) == 0
	s.lastTotal = lossTotal
	if !advanced {
		s.mu.Unlock()
		return
	}

	avgJitterMS := (jitterSum / float64(n)) * 1000
	sample := Sample{
		PacketsLost: lossTotal,
		JitterMS:    avgJitterMS,
		MOS:         moslike(avgJitterMS, lossTotal),
		SampledAt:   s.clk.Now(),
	}
	s.window = append(s.window, sample)
	if len(s.window) > windowSize {
		s.window = s.window[len(s.window)-windowSize:]
	}
	s.mu.Unlock()

	select {
	case s.updates <- sample:
	default:
	}
}

// Window returns a copy of the current running sample window.
func (s *Sampler) Window() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.window))
	copy(out, s.window)
	return out
}

// moslike derives a bounded [1,4.5] quality estimate from jitter and
// cumulative packet loss. This is a coarse approximation in the spirit of
// the ITU-T E-model's R-factor-to-MOS mapping, not a full implementation:
// it penalizes jitter linearly above a 20ms comfort threshold and loss
// count directly, clamped to the MOS scale.
func moslike(jitterMS float64, lossTotal int64) float64 {
	score := 4.5
	if jitterMS > 20 {
		score -= (jitterMS - 20) * 0.02
	}
	score -= float64(lossTotal) * 0.05
	if score < 1 {
		score = 1
	}
	if score > 4.5 {
		score = 4.5
	}
	return score
}
