package clock

import (
	"testing"
	"time"
)

const (
	testBase = 500 * time.Millisecond
	testCap  = 30 * time.Second
)

func TestRecoveryPolicyBounds(t *testing.T) {
	t.Parallel()

	p := NewRecoveryPolicy(testBase, testCap)
	for i := 0; i < 20; i++ {
		d := p.NextBackOff()
		if d < 0 {
			t.Fatalf("attempt %d: got negative backoff %v", i, d)
		}
		if d > testCap {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", i, d, testCap)
		}
	}
}

func TestRecoveryPolicyGrowsThenCaps(t *testing.T) {
	t.Parallel()

	p := NewRecoveryPolicy(testBase, testCap)
	var sawCap bool
	for i := 0; i < 30; i++ {
		if p.NextBackOff() == testCap {
			sawCap = true
		}
	}
	if !sawCap {
		t.Fatalf("expected the backoff to eventually saturate at the cap %v", testCap)
	}
}

func TestRecoveryPolicyReset(t *testing.T) {
	t.Parallel()

	p := NewRecoveryPolicy(testBase, testCap)
	for i := 0; i < 10; i++ {
		p.NextBackOff()
	}
	p.Reset()

	d := p.NextBackOff()
	if d < testBase || d >= 2*testBase {
		t.Fatalf("post-reset backoff %v not in [%v, %v)", d, testBase, 2*testBase)
	}
}
