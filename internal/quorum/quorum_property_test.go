package quorum

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestQuorum_OverlappingQuorums checks that any two quorums intersect.
func TestQuorum_OverlappingQuorums(t *testing.T) {
	for n := 1; n <= 15; n++ {
		f := LessThanHalf(n)
		q := Size(n)
		if q != n-f {
			t.Errorf("n=%d: Size=%d, want %d", n, q, n-f)
		}
		if q <= f {
			t.Errorf("n=%d: quorum %d does not exceed tolerated failures %d", n, q, f)
		}
		if 2*q <= n {
			t.Errorf("n=%d: two quorums of size %d need not intersect", n, q)
		}
	}
}

// TestQuorum_SuccessIffSuccessesGEQMin tests that a round succeeds iff at least
// minSuccessful calls succeed.
func TestQuorum_SuccessIffSuccessesGEQMin(t *testing.T) {
	tests := []struct {
		total         int
		min           int
		succeeding    int
		shouldSucceed bool
	}{
		{3, 2, 2, true},
		{3, 2, 1, false},
		{3, 2, 3, true},
		{3, 3, 2, false},
		{3, 3, 3, true},
		{3, 1, 1, true},
		{5, 3, 2, false},
		{5, 3, 3, true},
		{5, 3, 0, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,min=%d,ok=%d", tt.total, tt.min, tt.succeeding), func(t *testing.T) {
			replicas := make([]int, tt.total)
			for i := range replicas {
				replicas[i] = i
			}

			results, err := BroadcastAll(context.Background(), NewPool(tt.total), replicas, tt.min,
				func(ctx context.Context, replica int) (bool, error) {
					if replica < tt.succeeding {
						return true, nil
					}
					return false, errors.New("simulated failure")
				}, false)

			if (err == nil) != tt.shouldSucceed {
				t.Fatalf("expected success=%v, got err=%v", tt.shouldSucceed, err)
			}
			if err != nil {
				if !errors.Is(err, ErrQuorumUnreachable) {
					t.Errorf("expected ErrQuorumUnreachable, got %v", err)
				}
				return
			}
			acks := 0
			for _, r := range results {
				if r {
					acks++
				}
			}
			if acks < tt.min {
				t.Errorf("expected at least %d acks, got %d", tt.min, acks)
			}
		})
	}
}
