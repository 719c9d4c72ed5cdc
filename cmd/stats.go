package cmd

import (
	"fmt"
	"strings"

	"github.com/abhisek/lessonsync/internal/store"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize backend requests made by this client",
	RunE: func(cmd *cobra.Command, args []string) error {
		recent, _ := cmd.Flags().GetInt("recent")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dbPath, err := resolveDBPath(cmd, cfg)
		if err != nil {
			return fmt.Errorf("resolve database path: %w", err)
		}
		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		ctx := cmd.Context()
		stats, err := s.EventRepo().RequestStats(ctx)
		if err != nil {
			return fmt.Errorf("query stats: %w", err)
		}
		if len(stats) == 0 {
			fmt.Println("No requests recorded.")
			return nil
		}

		fmt.Printf("%-26s  %-7s  %-8s  %s\n", "Operation", "Total", "Failures", "Avg ms")
		fmt.Println(strings.Repeat("─", 56))
		for _, st := range stats {
			fmt.Printf("%-26s  %-7d  %-8d  %.1f\n", st.Operation, st.Total, st.Failures, st.AvgLatencyMs)
		}

		if recent <= 0 {
			return nil
		}
		events, err := s.EventRepo().QueryRequests(ctx, store.QueryOpts{})
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		if len(events) > recent {
			events = events[len(events)-recent:]
		}

		fmt.Println()
		fmt.Printf("%-19s  %-26s  %-6s  %-7s  %s\n", "Timestamp", "Operation", "Status", "Ms", "OK")
		fmt.Println(strings.Repeat("─", 72))
		for _, ev := range events {
			ok := "✓"
			if !ev.Success {
				ok = "✗ " + truncate(ev.ErrorMessage, 40)
			}
			fmt.Printf("%-19s  %-26s  %-6d  %-7d  %s\n",
				ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
				ev.Operation,
				ev.Status,
				ev.LatencyMs,
				ok,
			)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("recent", 0, "Also list the N most recent requests")
}
