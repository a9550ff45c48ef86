package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/leave-accrual/accrual"
	"github.com/warp/leave-accrual/api"
	"github.com/warp/leave-accrual/civil"
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsAddCmd)

	accountsAddCmd.Flags().String("id", "", "Employee id (required)")
	accountsAddCmd.Flags().String("name", "", "Employee name (required)")
	accountsAddCmd.Flags().Float64("annual-credit", 0, "Annual leave credit in days (default 18)")
	accountsAddCmd.Flags().String("start", "", "Start date YYYY-MM-DD (default today in the accrual zone)")
	accountsAddCmd.Flags().String("status", "", "Employment status (default Probationary)")
	accountsAddCmd.MarkFlagRequired("id")
	accountsAddCmd.MarkFlagRequired("name")
}

// ─── run ────────────────────────────────────────────────────────────────────

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one accrual cycle now and print the summary",
	Long: `Runs one accrual cycle synchronously under the shared run lock and
prints the summary as JSON. Exits 1 when the run failed or another run
held the lock.`,
	RunE: runOnce,
}

func runOnce(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	summary := a.runner.RunCycle(cmd.Context(), accrual.TriggerManual)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(api.NewRunSummaryDTO(summary)); err != nil {
		return err
	}

	switch {
	case summary.Skipped():
		return errors.New(accrual.ReasonAlreadyRunning)
	case !summary.Success:
		return fmt.Errorf("accrual run failed: %s", summary.Error)
	}
	return nil
}

// ─── unlock ─────────────────────────────────────────────────────────────────

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear a run lock left behind by a crashed process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		lock, err := a.store.GetLock(ctx, a.runner.JobName())
		if err != nil {
			return err
		}
		if lock == nil || !lock.IsLocked {
			fmt.Fprintf(os.Stdout, "Lock %q is not held\n", a.runner.JobName())
			return nil
		}

		if err := a.store.ForceReleaseLock(ctx, a.runner.JobName(), time.Now()); err != nil {
			return err
		}
		since := "unknown"
		if lock.LockedAt != nil {
			since = lock.LockedAt.In(a.zone).Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "Released lock %q held by %s since %s\n", a.runner.JobName(), lock.Owner, since)
		return nil
	},
}

// ─── accounts ───────────────────────────────────────────────────────────────

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage leave accounts",
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Onboard an employee into the accrual program",
	RunE:  runAccountsAdd,
}

func runAccountsAdd(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	credit, _ := cmd.Flags().GetFloat64("annual-credit")
	startRaw, _ := cmd.Flags().GetString("start")
	status, _ := cmd.Flags().GetString("status")

	now := time.Now()
	start := civil.Today(now, a.zone)
	if startRaw != "" {
		if start, err = civil.ParseDate(startRaw); err != nil {
			return err
		}
	}

	params := accrual.NewAccountParams{
		EmployeeID:       id,
		EmployeeName:     name,
		StartDate:        start,
		EmploymentStatus: status,
	}
	if credit != 0 {
		params.AnnualLeaveCredit = decimal.NewFromFloat(credit)
	}

	acct, err := accrual.NewLeaveAccount(params, a.zone, now)
	if err != nil {
		return err
	}
	if err := a.store.CreateAccount(context.WithoutCancel(cmd.Context()), acct); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Created %s (%s): %s days/month, next accrual %s\n",
		acct.EmployeeID, acct.EmployeeName, acct.AccrualRate.String(),
		civil.DateOf(acct.NextAccrualDate, a.zone).Display())
	return nil
}
