package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/abhisek/lessonsync/internal/lifecycle"
	"github.com/abhisek/lessonsync/internal/session"
	"github.com/abhisek/lessonsync/internal/syncer"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the session alive and sync in the background until interrupted",
	Long: "run starts the app the way a foreground client would: it restores the session, " +
		"hydrates lessons and syncs completions periodically. Send SIGUSR1 to simulate the " +
		"app returning to the foreground.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := e.app.Start(ctx); err != nil {
			fmt.Fprintln(os.Stderr, userMessage(err))
		}
		last := e.app.Session().Session().State
		sub := e.app.Session().Subscribe(func(s session.Session) {
			if s.State != last && s.State != session.Loading {
				last = s.State
				fmt.Printf("Session is now %s\n", s.State)
			}
		})
		defer sub.Stop()

		s := e.app.Session().Session()
		if s.IsAuthenticated {
			fmt.Printf("Running as %s, syncing every %s. Ctrl-C to stop.\n", s.UserEmail, e.cfg.SyncInterval)
		} else {
			fmt.Println("Not logged in; waiting. Ctrl-C to stop.")
		}

		resume := make(chan os.Signal, 1)
		signal.Notify(resume, syscall.SIGUSR1)
		defer signal.Stop(resume)

		for {
			select {
			case <-ctx.Done():
				fmt.Println("Stopping.")
				return nil
			case <-resume:
				e.app.Lifecycle().Set(lifecycle.Background)
				e.app.Lifecycle().Set(lifecycle.Foreground)
			}
		}
	},
}

func reportReconciliation(re *syncer.ReconciliationError) {
	fmt.Fprintln(os.Stderr, "warning:", re.Error())
}
