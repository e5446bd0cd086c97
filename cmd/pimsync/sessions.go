package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List generation sessions",
	RunE:  runSessions,
}

var sessionsUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a session the default for results, select and commit",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsUse,
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Delete a session and its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsPurge,
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions")
	sessionsCmd.AddCommand(sessionsUseCmd)
	sessionsCmd.AddCommand(sessionsPurgeCmd)
}

type sessionRow struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Channel   string    `json:"channel"`
	Locale    string    `json:"locale"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Profile   string    `json:"profile"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Committed int       `json:"committed"`
	Current   bool      `json:"current"`
}

func runSessions(cmd *cobra.Command, args []string) error {
	db, err := app.storage()
	if err != nil {
		return err
	}
	sessions, err := db.ListSessions(sessionsLimit)
	if err != nil {
		return err
	}
	current, _ := app.sessionID("")

	rows := make([]sessionRow, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, sessionRow{
			ID: s.ID, CreatedAt: s.CreatedAt, Channel: s.Channel, Locale: s.Locale,
			Provider: s.Provider, Model: s.Model, Profile: s.Profile,
			Total: s.Total, Succeeded: s.Succeeded, Committed: s.Committed,
			Current: s.ID == current,
		})
	}
	if structured() {
		return printOutput(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		mark := ""
		if r.Current {
			mark = "*"
		}
		table = append(table, []string{
			mark,
			r.ID,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Channel + "/" + r.Locale,
			r.Provider + " " + r.Model,
			r.Profile,
			strconv.Itoa(r.Succeeded) + "/" + strconv.Itoa(r.Total),
			strconv.Itoa(r.Committed),
		})
	}
	printTable([]string{"", "ID", "Created", "Context", "Model", "Profile", "OK", "Committed"}, table)
	return nil
}

func runSessionsUse(cmd *cobra.Command, args []string) error {
	ls, err := loadSession(args[0])
	if err != nil {
		return err
	}
	if err := ls.db.SetMetadata(currentSessionKey, ls.session.ID); err != nil {
		return err
	}
	fmt.Printf("current session: %s\n", ls.session.ID)
	return nil
}

func runSessionsPurge(cmd *cobra.Command, args []string) error {
	db, err := app.storage()
	if err != nil {
		return err
	}
	id := args[0]
	if err := db.PurgeSession(id); err != nil {
		return err
	}
	current, err := db.GetMetadata(currentSessionKey)
	if err != nil {
		return err
	}
	if current != nil && *current == id {
		if err := db.SetMetadata(currentSessionKey, ""); err != nil {
			return err
		}
	}
	fmt.Printf("purged session %s\n", id)
	return nil
}
