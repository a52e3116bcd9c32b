package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/Hara602/captureSentry/internal/spool"
	"github.com/Hara602/captureSentry/internal/sysutil"
	"github.com/spf13/cobra"
)

func newSpoolCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect or repair the offline spool",
	}
	cmd.AddCommand(newSpoolListCmd(opts), newSpoolRecoverCmd(opts))
	return cmd
}

func openSpool(opts *rootOptions) (*spool.FileStore, error) {
	c, err := opts.cipher()
	if err != nil {
		return nil, err
	}
	return spool.NewFileStore(opts.cfg.Spool.Dir, c, opts.cfg.Spool.EncryptAtRest, sysutil.Log.Named("spool"))
}

func newSpoolListCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		show  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records waiting for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openSpool(opts)
			if err != nil {
				return err
			}
			ready, sending, err := store.Counts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "spool: %s\nready=%d sending=%d\n", store.BaseDir(), ready, sending)

			records, err := store.ListReady(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, r := range records {
				if !show {
					fmt.Fprintf(tw, "%s\t%s\n", r.Name, r.State)
					continue
				}
				body, err := store.Read(r)
				if err != nil {
					body = "<unreadable: " + err.Error() + ">"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.State, body)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records to list (0 = all)")
	cmd.Flags().BoolVar(&show, "show", false, "print record contents (decrypting if needed)")
	return cmd
}

func newSpoolRecoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Move records orphaned in sending/ back to ready/",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openSpool(opts)
			if err != nil {
				return err
			}
			n, err := store.RecoverOrphanedSending()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d record(s)\n", n)
			return nil
		},
	}
}
