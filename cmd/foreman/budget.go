package main

import (
	"fmt"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/spf13/cobra"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and control scope budgets",
}

var budgetSetCmd = &cobra.Command{
	Use:   "set SCOPE_TYPE SCOPE_ID LIMIT_USD",
	Short: "Set a scope's cost ceiling for a window, preserving accumulated usage",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		window, _ := cmd.Flags().GetString("window")

		var limitCost float64
		if _, err := fmt.Sscanf(args[2], "%f", &limitCost); err != nil {
			return fmt.Errorf("invalid limit %q: %w", args[2], err)
		}

		if err := app.Budget.SetLimit(ctx, types.BudgetScopeType(args[0]), args[1], types.BudgetWindow(window), limitCost); err != nil {
			return err
		}
		fmt.Printf("✓ Budget limit set: %s/%s = $%.4f\n", args[0], args[1], limitCost)
		return nil
	},
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status SCOPE_TYPE SCOPE_ID",
	Short: "Show a scope's current usage against its ceiling",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		window, _ := cmd.Flags().GetString("window")

		rec, err := app.Budget.Status(ctx, types.BudgetScopeType(args[0]), args[1], types.BudgetWindow(window))
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Printf("No budget record for %s/%s (%s)\n", args[0], args[1], window)
			return nil
		}
		limit := "unset"
		if rec.LimitCost != nil {
			limit = fmt.Sprintf("$%.4f", *rec.LimitCost)
		}
		fmt.Printf("Scope: %s/%s (%s)\n  Spent: $%.4f\n  Limit: %s\n  Tokens in/out: %d/%d\n  Exhausted: %v\n",
			rec.ScopeType, rec.ScopeID, rec.Window, rec.CostUSD, limit, rec.TokensIn, rec.TokensOut, rec.Exhausted)
		return nil
	},
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset SCOPE_TYPE SCOPE_ID",
	Short: "Zero a scope's accumulated usage for a window",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, app, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		window, _ := cmd.Flags().GetString("window")

		if err := app.Budget.Reset(ctx, types.BudgetScopeType(args[0]), args[1], types.BudgetWindow(window)); err != nil {
			return err
		}
		fmt.Printf("✓ Budget reset: %s/%s (%s)\n", args[0], args[1], window)
		return nil
	},
}

func init() {
	budgetCmd.AddCommand(budgetSetCmd, budgetStatusCmd, budgetResetCmd)

	for _, c := range []*cobra.Command{budgetSetCmd, budgetStatusCmd, budgetResetCmd} {
		c.Flags().String("window", string(types.WindowDay), "Accounting window: day, lifetime")
	}
}
