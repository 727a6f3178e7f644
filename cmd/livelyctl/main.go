// Command livelyctl is the admin surface over a Lively bbolt snapshot
// database: the list/delete/reset/exists operations spec §4.9 calls out
// as "not on the serving hot path".
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Polqt/lively/persistence"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataPath string

	root := &cobra.Command{
		Use:   "livelyctl",
		Short: "administer a Lively snapshot database",
	}
	root.PersistentFlags().StringVar(&dataPath, "data", "lively.db", "path to the bbolt snapshot database")

	root.AddCommand(
		newListCmd(&dataPath),
		newDeleteCmd(&dataPath),
		newResetCmd(&dataPath),
		newExistsCmd(&dataPath),
	)
	return root
}

func openAdapter(dataPath string) (*persistence.BoltAdapter, error) {
	return persistence.OpenBolt(dataPath)
}

func newListCmd(dataPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every stored room",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAdapter(*dataPath)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			infos, err := a.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROOM ID\tUPDATED AT\tSIZE (bytes)")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\n", info.RoomID, time.UnixMilli(info.UpdatedAt).Format(time.RFC3339), info.Size)
			}
			return w.Flush()
		},
	}
}

func newDeleteCmd(dataPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <room-id>",
		Short: "delete one room's stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAdapter(*dataPath)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck
			return a.Delete(args[0])
		},
	}
}

func newResetCmd(dataPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <room-id>",
		Short: "reset a room to an empty snapshot, keeping its id reserved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAdapter(*dataPath)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck
			return a.Save(args[0], persistence.Snapshot{UpdatedAt: time.Now().UnixMilli()})
		},
	}
}

func newExistsCmd(dataPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <room-id>",
		Short: "report whether a room has a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAdapter(*dataPath)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck

			ok, err := a.Exists(args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "true")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "false")
			}
			return nil
		},
	}
}
