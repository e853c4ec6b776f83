package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/maibank/checkout-reconciler/internal/payment"
)

var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Payment administration commands",
	Long:  `Capture, void or refund a payment, or run a single sweep by hand`,
}

var amountFlag string

var captureCmd = &cobra.Command{
	Use:   "capture [payment-id]",
	Short: "Capture an authorized payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(func(ctx context.Context, deps *Dependencies) error {
			amount, err := parseAmountFlag()
			if err != nil {
				return err
			}
			p, err := deps.Operations.Capture(ctx, args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(payment.ToView(p))
		})
	},
}

var voidCmd = &cobra.Command{
	Use:   "void [payment-id]",
	Short: "Void an authorized payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(func(ctx context.Context, deps *Dependencies) error {
			if err := deps.Operations.Void(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("voided", args[0])
			return nil
		})
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund [payment-id]",
	Short: "Refund a completed payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(func(ctx context.Context, deps *Dependencies) error {
			amount, err := parseAmountFlag()
			if err != nil {
				return err
			}
			p, err := deps.Operations.Refund(ctx, args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(payment.ToView(p))
		})
	},
}

var sweepOnceCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Enqueue stalled payments and drain the queue once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(func(ctx context.Context, deps *Dependencies) error {
			return deps.Sweeper.RunOnce(ctx)
		})
	},
}

var enqueueStalledCmd = &cobra.Command{
	Use:   "enqueue-stalled",
	Short: "Enqueue stalled payments without processing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(func(ctx context.Context, deps *Dependencies) error {
			n, err := deps.Sweeper.EnqueueStalled(ctx)
			if err != nil {
				return err
			}
			fmt.Println("enqueued", n)
			return nil
		})
	},
}

func withDependencies(fn func(ctx context.Context, deps *Dependencies) error) error {
	ctx := context.Background()
	deps, err := initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()
	return fn(ctx, deps)
}

func parseAmountFlag() (*decimal.Decimal, error) {
	if amountFlag == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(amountFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid --amount %q: %w", amountFlag, err)
	}
	return &d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	captureCmd.Flags().StringVar(&amountFlag, "amount", "", "Amount to capture (defaults to the authorized amount)")
	refundCmd.Flags().StringVar(&amountFlag, "amount", "", "Amount to refund (defaults to the paid amount)")

	paymentCmd.AddCommand(captureCmd, voidCmd, refundCmd, sweepOnceCmd, enqueueStalledCmd)

	rootCmd.AddCommand(paymentCmd)
}
