// Command ledgerctl inspects and repairs job deductions directly against the
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/bobarin/beatsync/internal/db"
	"github.com/bobarin/beatsync/internal/ledger"
	"github.com/bobarin/beatsync/internal/models"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const actor = "ledgerctl"

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")

	switch args[0] {
	case "unbilled", "retry", "history", "repair":
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}

	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	database, err := db.New(dsn)
	if err != nil {
		return err
	}
	defer database.Close()

	svc := ledger.NewService(database, zap.NewNop())

	switch args[0] {
	case "unbilled":
		return runUnbilled(ctx, svc, args[1:], out)
	case "retry":
		return runRetry(ctx, svc, args[1:], out)
	case "history":
		return runHistory(ctx, svc, args[1:], out)
	default:
		return runRepair(ctx, svc, args[1:], out)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, titleStyle.Render("ledgerctl: credit ledger maintenance"))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  unbilled [--limit N]            list pending/processing jobs without a deduction")
	fmt.Fprintln(out, "  retry <job-id>                  attempt the deduction again")
	fmt.Fprintln(out, "  history <job-id>                show ledger entries for a job")
	fmt.Fprintln(out, "  repair <job-id> --reason TEXT   reverse a deduction and credit the owner")
	fmt.Fprintln(out)
	fmt.Fprintln(out, mutedStyle.Render("Reads DATABASE_URL from the environment or .env."))
}

func runUnbilled(ctx context.Context, svc *ledger.Service, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("unbilled", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "max jobs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	jobs, err := svc.Unbilled(ctx, *limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, okStyle.Render("no unbilled jobs"))
		return nil
	}
	fmt.Fprintln(out, renderJobs(jobs))
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d job(s), %d credits outstanding",
		len(jobs), lo.SumBy(jobs, func(j models.Job) int64 { return j.QuotedCost }))))
	return nil
}

func runRetry(ctx context.Context, svc *ledger.Service, args []string, out io.Writer) error {
	jobID, err := jobArg("retry", args)
	if err != nil {
		return err
	}

	res, err := svc.RetryDeduction(ctx, jobID, actor)
	if err != nil {
		return err
	}
	switch {
	case res.AlreadyDeducted:
		fmt.Fprintln(out, mutedStyle.Render("already deducted, nothing to do"))
	case res.Deducted:
		fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("deducted %d credits, balance now %d", res.Entry.Amount, res.Entry.BalanceAfter)))
	}
	return nil
}

func runHistory(ctx context.Context, svc *ledger.Service, args []string, out io.Writer) error {
	jobID, err := jobArg("history", args)
	if err != nil {
		return err
	}

	entries, err := svc.History(ctx, jobID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("no ledger entries"))
		return nil
	}
	fmt.Fprintln(out, renderEntries(entries))
	return nil
}

func runRepair(ctx context.Context, svc *ledger.Service, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	reason := fs.String("reason", "", "why the deduction is being reversed (required)")
	if len(args) == 0 {
		return fmt.Errorf("repair: job id is required")
	}
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("repair: invalid job id: %w", err)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	res, err := svc.RepairReverseDeduction(ctx, jobID, actor, *reason)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("refunded %d credits, balance now %d", res.Entry.Amount, res.Entry.BalanceAfter)))
	return nil
}

func jobArg(cmd string, args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("%s: expected exactly one job id", cmd)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: invalid job id: %w", cmd, err)
	}
	return id, nil
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderJobs(jobs []models.Job) string {
	t := newTable("JOB", "OWNER", "STATUS", "TIER", "COST", "AGE")
	now := time.Now()
	for _, j := range jobs {
		t.Row(
			j.ID.String(),
			j.OwnerID.String(),
			string(j.Status),
			j.Tier,
			strconv.FormatInt(j.QuotedCost, 10),
			now.Sub(j.CreatedAt).Truncate(time.Second).String(),
		)
	}
	return t.String()
}

func renderEntries(entries []models.LedgerEntry) string {
	t := newTable("ID", "WHEN", "ACTION", "ACTOR", "AMOUNT", "BEFORE", "AFTER", "REASON")
	for _, e := range entries {
		t.Row(
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Action),
			e.Actor,
			strconv.FormatInt(e.Amount, 10),
			strconv.FormatInt(e.BalanceBefore, 10),
			strconv.FormatInt(e.BalanceAfter, 10),
			lo.FromPtr(e.Reason),
		)
	}
	return t.String()
}
