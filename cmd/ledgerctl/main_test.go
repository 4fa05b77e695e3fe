package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

func TestRenderEntries(t *testing.T) {
	out := renderEntries([]models.LedgerEntry{
		{ID: 1, Actor: "owner", Action: models.LedgerActionDeducted, Amount: 14, BalanceBefore: 100, BalanceAfter: 86, CreatedAt: time.Now()},
		{ID: 2, Actor: "ledgerctl", Action: models.LedgerActionRefunded, Amount: 14, BalanceBefore: 86, BalanceAfter: 100, Reason: lo.ToPtr("double charge"), CreatedAt: time.Now()},
	})

	for _, want := range []string{"ACTION", "deducted", "refunded", "double charge", "86"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderJobs(t *testing.T) {
	id := uuid.New()
	out := renderJobs([]models.Job{{ID: id, OwnerID: uuid.New(), Status: models.JobStatusPending, Tier: "free", QuotedCost: 12, CreatedAt: time.Now()}})
	if !strings.Contains(out, id.String()) || !strings.Contains(out, "12") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestJobArg(t *testing.T) {
	if _, err := jobArg("retry", nil); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := jobArg("retry", []string{"nope"}); err == nil {
		t.Error("expected error for invalid id")
	}
	id := uuid.New()
	got, err := jobArg("retry", []string{id.String()})
	if err != nil || got != id {
		t.Errorf("jobArg() = %s, %v", got, err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"explode"}, &out); err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(out.String(), "Commands:") {
		t.Error("usage not printed")
	}
}
