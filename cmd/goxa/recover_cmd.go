package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRecoverCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay the recovery log and drive in-doubt transactions to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Stop()

			n, err := m.Recover(cmd.Context())
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "replayed %d transactions\n", n)

			txs := m.Transactions()
			if len(txs) == 0 {
				return nil
			}
			// 仍在等待重试或人工处理的事务
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "XID\tSTATUS\tHEURISTIC")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", tx.XID(), tx.Status(), tx.HeuristicOutcome())
			}
			return w.Flush()
		},
	}
}
