package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lookout/internal/session"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list (0 = all)")
}

func runSessions(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore(cfg.SessionsDir)
	if err != nil {
		return err
	}

	sessions, err := store.ListRecent(sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions yet. Start one with: lookout chat")
		return nil
	}

	fmt.Printf("%-22s %-8s %-17s %s\n", "ID", "STATUS", "LAST ACCESS", "ROOT")
	fmt.Println(strings.Repeat("-", 72))
	for _, s := range sessions {
		fmt.Printf("%-22s %-8s %-17s %s\n",
			s.ID,
			s.Status,
			s.LastAccessedAt.Format("2006-01-02 15:04"),
			s.ProjectRoot)
	}
	fmt.Println(strings.Repeat("-", 72))
	fmt.Printf("Total: %d session(s)\n", len(sessions))
	return nil
}
