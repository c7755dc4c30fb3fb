// CircuitNotion State CLI
// Inspects and edits the actuator states kept by the device agent
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/circuitnotion/device-agent/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "circuitnotion-state",
		Short: "CircuitNotion actuator state CLI",
		Long:  "Command-line tool for inspecting and managing the actuator states stored by the CircuitNotion device agent.",
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored actuator states",
		RunE:  listStates,
	}

	historyCmd = &cobra.Command{
		Use:   "history [device-id]",
		Short: "Show actuator state changes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showHistory,
	}

	setCmd = &cobra.Command{
		Use:   "set <device-id> <state>",
		Short: "Set the state restored when the device is next mapped",
		Args:  cobra.ExactArgs(2),
		RunE:  setState,
	}

	clearCmd = &cobra.Command{
		Use:   "clear [device-id]",
		Short: "Remove one or all stored states",
		Args:  cobra.MaximumNArgs(1),
		RunE:  clearStates,
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete old state changes",
		RunE:  pruneHistory,
	}

	limit     int
	olderThan time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/circuitnotion/state.db", "Database file path")

	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age of the changes to delete")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listStates(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := db.GetAllActuatorStates()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATE\tSOURCE\tUPDATED")
	fmt.Fprintln(w, "------\t-----\t------\t-------")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.DeviceID, s.State, s.Source, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d devices\n", len(states))
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	deviceID := ""
	if len(args) > 0 {
		deviceID = args[0]
	}
	changes, err := db.GetStateChanges(deviceID, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tFROM\tTO\tSOURCE\tTIME")
	fmt.Fprintln(w, "--\t------\t----\t--\t------\t----")
	for _, c := range changes {
		prev := c.PrevState
		if prev == "" {
			prev = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.DeviceID, prev, c.NewState, c.Source,
			c.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func setState(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SaveActuatorState(args[0], args[1], storage.SourceManual); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
	return nil
}

func clearStates(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		ok, err := db.DeleteActuatorState(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no stored state for %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", args[0])
		return nil
	}

	n, err := db.ClearActuatorStates()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d states\n", n)
	return nil
}

func pruneHistory(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.PruneStateChanges(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d changes\n", n)
	return nil
}
