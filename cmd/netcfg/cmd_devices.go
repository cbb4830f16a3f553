package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/charlesren/netcfg/store"
	"github.com/spf13/cobra"
)

func newDevicesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and maintain the device store",
	}
	cmd.AddCommand(
		newDevicesListCmd(c),
		newDevicesImportCmd(c),
		newDevicesExportCmd(c),
	)
	return cmd
}

// withStore 打开配置的存储，执行后关闭
func withStore(cmd *cobra.Command, c *cli, fn func(store.ConfigStore) error) error {
	st, err := store.Open(cmd.Context(), c.cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			xlog.Errorf("Main", "关闭存储失败: %v", err)
		}
	}()
	return fn(st)
}

func newDevicesListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, c, func(st store.ConfigStore) error {
				records, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ADDRESS\tFAMILY\tPORT\tAPPLIED\tLAST\tVERIFY\tVERSION")
				for _, r := range records {
					last := "-"
					if r.LastResult != nil {
						last = string(r.LastResult.Outcome)
					}
					verify := ""
					if r.NeedsVerification {
						verify = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%d\n",
						r.Address, r.Family, r.Port, len(r.Applied), last, verify, r.Version)
				}
				return w.Flush()
			})
		},
	}
}

func newDevicesImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import <inventory.xlsx>",
		Short: "Import devices from an xlsx inventory",
		Long: `Read the Devices sheet (Address, Family, Port, AuthRef) and upsert each
row. Existing records keep their applied history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			records, err := store.ImportInventory(f)
			if err != nil {
				return err
			}
			return withStore(cmd, c, func(st store.ConfigStore) error {
				created, updated, err := store.MergeInventory(cmd.Context(), st, records)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d devices (%d new, %d updated)\n", created+updated, created, updated)
				return nil
			})
		},
	}
}

func newDevicesExportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "export <inventory.xlsx>",
		Short: "Export stored devices to xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, c, func(st store.ConfigStore) error {
				records, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				if err := store.ExportInventory(f, records); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d devices to %s\n", len(records), args[0])
				return nil
			})
		},
	}
}
