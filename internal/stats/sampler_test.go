package stats

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"webphone/internal/clock"
)

func TestMoslikeBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		jitterMS  float64
		lossTotal int64
		wantMax   float64
		wantMin   float64
	}{
		{"pristine", 0, 0, 4.5, 4.5},
		{"jitter under threshold", 15, 0, 4.5, 4.5},
		{"jitter over threshold degrades", 120, 0, 2.5, 2.5},
		{"heavy loss clamps to floor", 0, 1000, 1, 1},
		{"never exceeds scale ceiling", 0, 0, 4.5, 4.5},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := moslike(tc.jitterMS, tc.lossTotal)
			if got > tc.wantMax || got < tc.wantMin {
				t.Fatalf("moslike(%v, %v) = %v, want within [%v, %v]", tc.jitterMS, tc.lossTotal, got, tc.wantMin, tc.wantMax)
			}
		})
	}
}

func TestMoslikeMonotonicInJitter(t *testing.T) {
	t.Parallel()
	low := moslike(10, 0)
	high := moslike(200, 0)
	if high >= low {
		t.Fatalf("expected higher jitter to score lower: moslike(10)=%v moslike(200)=%v", low, high)
	}
}

func TestSamplerStartStopIdempotent(t *testing.T) {
	t.Parallel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()

	fake := clock.NewFake(time.Unix(0, 0))
	s := New(pc, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx) // second Start before Stop is a no-op
	s.Stop()
	s.Stop() // idempotent
}

func TestSamplerWindowIsACopy(t *testing.T) {
	t.Parallel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer pc.Close()

	s := New(pc, clock.NewFake(time.Unix(0, 0)))
	s.window = []Sample{{PacketsLost: 1}, {PacketsLost: 2}}

	got := s.Window()
	got[0].PacketsLost = 99

	if s.window[0].PacketsLost != 1 {
		t.Fatalf("Window() leaked a reference into internal state")
	}
	if len(got) != 2 {
		t.Fatalf("Window() length = %d, want 2", len(got))
	}
}
