package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var ledgerClearYes bool

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the record of items written back to the catalog",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	RunE:  runLedgerList,
}

var ledgerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every ledger entry",
	RunE:  runLedgerClear,
}

func init() {
	ledgerClearCmd.Flags().BoolVar(&ledgerClearYes, "yes", false, "Confirm clearing the ledger")
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerClearCmd)
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	entries, err := app.ledger().LoadAll()
	if err != nil {
		return err
	}
	if structured() {
		return printOutput(entries)
	}
	if len(entries) == 0 {
		fmt.Println("ledger is empty")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			string(e.Key),
			truncate(e.Title, 40),
			e.URL,
			e.FirstSyncedAt.Local().Format("2006-01-02 15:04"),
			e.LastSyncedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	printTable([]string{"Key", "Title", "URL", "First sync", "Last sync"}, rows)
	return nil
}

func runLedgerClear(cmd *cobra.Command, args []string) error {
	l := app.ledger()
	if !ledgerClearYes {
		return fmt.Errorf("refusing to clear %s without --yes", l.Path())
	}
	if err := l.ClearAll(); err != nil {
		return err
	}
	fmt.Println("ledger cleared")
	return nil
}
