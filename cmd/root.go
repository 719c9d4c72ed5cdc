package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/abhisek/lessonsync/internal/app"
	"github.com/abhisek/lessonsync/internal/config"
	"github.com/abhisek/lessonsync/internal/logger"
	"github.com/abhisek/lessonsync/internal/session"
	"github.com/abhisek/lessonsync/internal/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "lessonsync",
	Short:         "Lessons and tasks client with offline completion sync",
	Long:          "lessonsync keeps a learner signed in, caches free lessons and tasks locally, and syncs task completions to the backend in batches.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any error for the user.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", userMessage(err))
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file (overrides LESSONSYNC_DB env var)")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(lessonsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resetPasswordCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveDBPath returns the database path using --db flag (highest priority),
// then the config file / LESSONSYNC_DB, then the default XDG path.
func resolveDBPath(cmd *cobra.Command, cfg config.Config) (string, error) {
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		return p, store.EnsureDir(p)
	}
	if cfg.DBPath != "" {
		return cfg.DBPath, store.EnsureDir(cfg.DBPath)
	}
	return store.DefaultDBPath()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// env is everything a command needs. close releases it in reverse order.
type env struct {
	cfg   config.Config
	log   *logger.Logger
	store *store.Store
	app   *app.App
}

func (e *env) close() {
	e.app.Close()
	e.store.Close()
	e.log.Sync()
}

// openApp loads config, opens the store and builds the App. It does not
// start background work.
func openApp(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Options{Mode: cfg.Log.Mode, Level: cfg.Log.Level})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbPath, err := resolveDBPath(cmd, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a, err := app.New(app.Options{
		Config:                cfg,
		Store:                 s,
		Logger:                log,
		OnReconciliationError: reportReconciliation,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return &env{cfg: cfg, log: log, store: s, app: a}, nil
}

// requireSession restores the stored session and fails when nobody is
// logged in.
func requireSession(ctx context.Context, a *app.App) error {
	if err := a.Session().CheckAndRefreshAccessToken(ctx); err != nil {
		return err
	}
	if !a.Session().IsAuthenticated() {
		return errors.New("not logged in, run `lessonsync login` first")
	}
	return nil
}

var stdin = bufio.NewReader(os.Stdin)

// prompt reads one line from stdin when value is empty.
func prompt(label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(line), nil
}

func userMessage(err error) string {
	var authErr *session.AuthError
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return err.Error()
}
