package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
		if s.Cancellable() {
			t.Errorf("expected %s not to be cancellable", s)
		}
	}

	for _, s := range []JobStatus{JobStatusPending, JobStatusProcessing} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
		if !s.Cancellable() {
			t.Errorf("expected %s to be cancellable", s)
		}
	}
}

func TestChunkStatusTerminal(t *testing.T) {
	if ChunkStatusPending.Terminal() || ChunkStatusDispatched.Terminal() {
		t.Error("pending and dispatched chunks must not be terminal")
	}
	if !ChunkStatusCompleted.Terminal() || !ChunkStatusFailed.Terminal() {
		t.Error("completed and failed chunks must be terminal")
	}
}

func TestNeedsBilling(t *testing.T) {
	job := &Job{QuotedCost: 14}
	if !job.NeedsBilling() {
		t.Fatal("expected unbilled job with positive cost to need billing")
	}

	job.CreditsDeducted = true
	if job.NeedsBilling() {
		t.Fatal("deducted job should not need billing")
	}

	free := &Job{QuotedCost: 0}
	if free.NeedsBilling() {
		t.Fatal("zero-cost job should not need billing")
	}
}

func TestProviderErrorRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{0, true},
		{400, false},
		{401, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}

	for _, tc := range cases {
		err := fmt.Errorf("submit chunk: %w", &ProviderError{Op: "submit", StatusCode: tc.status, Message: "x"})
		if got := IsRetryableProviderError(err); got != tc.want {
			t.Errorf("status %d: expected retryable=%v, got %v", tc.status, tc.want, got)
		}
	}

	if IsRetryableProviderError(errors.New("plain")) {
		t.Error("plain errors are not provider errors")
	}
}
