package main

import (
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the available prompt profiles",
	RunE:  runProfiles,
}

func runProfiles(cmd *cobra.Command, args []string) error {
	prompts, err := app.prompts()
	if err != nil {
		return err
	}
	type profileRow struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Default     bool   `json:"default"`
	}
	var rows []profileRow
	for _, name := range prompts.Names() {
		p, _ := prompts.Profile(name)
		rows = append(rows, profileRow{
			Name:        name,
			Description: p.Description,
			Default:     name == app.cfg.GenPromptProfile,
		})
	}
	if structured() {
		return printOutput(rows)
	}
	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		mark := ""
		if r.Default {
			mark = "*"
		}
		table = append(table, []string{mark, r.Name, truncate(r.Description, 70)})
	}
	printTable([]string{"", "Profile", "Description"}, table)
	return nil
}
