package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"pimsync/internal"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search catalog items by identifier or title",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var existsCmd = &cobra.Command{
	Use:   "exists <key>...",
	Short: "Check whether catalog items exist",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExists,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum number of results")
}

type searchRow struct {
	Key     internal.ItemKey `json:"key"`
	Title   string           `json:"title"`
	Enabled bool             `json:"enabled"`
	Family  string           `json:"family"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	client, err := app.catalog()
	if err != nil {
		return err
	}
	query := strings.Join(args, " ")
	items, err := client.Search(cmd.Context(), query, searchLimit, app.cfg.Locale)
	if err != nil {
		return err
	}

	rows := make([]searchRow, 0, len(items))
	for _, it := range items {
		rows = append(rows, searchRow{Key: it.Key, Title: it.Title, Enabled: it.Enabled, Family: it.Family})
	}
	if structured() {
		return printOutput(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no items found")
		return nil
	}
	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, []string{string(r.Key), truncate(r.Title, 60), strconv.FormatBool(r.Enabled), r.Family})
	}
	printTable([]string{"Key", "Title", "Enabled", "Family"}, table)
	return nil
}

func runExists(cmd *cobra.Command, args []string) error {
	client, err := app.catalog()
	if err != nil {
		return err
	}
	out := map[string]bool{}
	table := make([][]string, 0, len(args))
	for _, key := range args {
		ok, err := client.Exists(cmd.Context(), internal.ItemKey(key))
		if err != nil {
			return err
		}
		out[key] = ok
		table = append(table, []string{key, strconv.FormatBool(ok)})
	}
	if structured() {
		return printOutput(out)
	}
	printTable([]string{"Key", "Exists"}, table)
	return nil
}
