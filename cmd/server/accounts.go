package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bot-panel/internal/config"
	"bot-panel/internal/service"
)

func newAccountsCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage ledger accounts",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "open <account-id>",
			Short: "Open a ledger account with an empty balance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLedger(cmd.Context(), log, func(ledger service.LedgerService) error {
					acc, err := ledger.Open(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Printf("%s tokens=%d\n", acc.ID, acc.Tokens)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "grant <account-id> <tokens>",
			Short: "Credit tokens to an account, ignoring cooldowns",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid token amount %q", args[1])
				}
				return withLedger(cmd.Context(), log, func(ledger service.LedgerService) error {
					tokens, err := ledger.Grant(cmd.Context(), args[0], amount)
					if err != nil {
						return err
					}
					fmt.Printf("%s tokens=%d\n", args[0], tokens)
					return nil
				})
			},
		},
	)
	return cmd
}

// withLedger opens the configured stores for a one-off ledger operation.
func withLedger(ctx context.Context, log *logrus.Logger, fn func(service.LedgerService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(service.NewLedgerService(st.accounts, st.deployments, nil, service.LedgerConfig{
		RechargeSecret: cfg.Ledger.RechargeSecret,
		Logger:         log,
	}))
}
