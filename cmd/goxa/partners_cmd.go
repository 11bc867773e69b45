package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xiaoxuxiansheng/goxa/partner"
)

func newPartnersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "partners",
		Short: "List recovery partners recorded in the partner log",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, partnerLog, err := a.openLogs(cmd.Context())
			if err != nil {
				return err
			}
			table := partner.NewTable(partnerLog, nil)
			if _, err := table.Load(cmd.Context()); err != nil {
				return fmt.Errorf("load partner log: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tRECOVERY ID\tPARTNER")
			for _, e := range table.Entries() {
				if _, err := e.Deserialize(); err != nil {
					fmt.Fprintf(w, "%d\t%d\t<undecodable: %v>\n", e.Index(), e.RecoveryID(), err)
					continue
				}
				fmt.Fprintf(w, "%d\t%d\t%s\n", e.Index(), e.RecoveryID(), e.Describe())
			}
			return w.Flush()
		},
	}
}
