package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/abhisek/lessonsync/internal/content"
	"github.com/abhisek/lessonsync/internal/syncer"
	"github.com/spf13/cobra"
)

var lessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "List free lessons with completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		prefetch, _ := cmd.Flags().GetBool("prefetch")

		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		if err := requireSession(ctx, e.app); err != nil {
			return err
		}

		cache := e.app.Content()
		if err := cache.Restore(ctx); err != nil {
			return err
		}
		var lessons []content.Lesson
		if refresh {
			lessons, err = cache.RetrieveFreeLessons(ctx)
		} else {
			lessons, err = cache.FreeLessonLoadInit(ctx)
		}
		if err != nil {
			return err
		}
		if prefetch {
			if err := cache.PrefetchAll(ctx); err != nil {
				e.log.Warn("prefetch tasks", "error", err)
			}
			// Completion flags may have changed with the server's task list.
			lessons = cache.Lessons()
		}

		if len(lessons) == 0 {
			fmt.Println("No lessons found.")
			return nil
		}

		fmt.Printf("%-5s  %-40s  %-5s  %s\n", "ID", "Title", "Tasks", "Done")
		fmt.Println(strings.Repeat("─", 60))
		for _, l := range lessons {
			fmt.Printf("%-5d  %-40s  %-5d  %s\n", l.ID, truncate(l.Title, 40), l.NumTasks, lessonMark(cache, l))
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks <lessonID>",
	Short: "List the tasks of a lesson",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lessonID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid lesson ID %q: %w", args[0], err)
		}
		verbose, _ := cmd.Flags().GetBool("content")

		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		if err := requireSession(ctx, e.app); err != nil {
			return err
		}
		if err := e.app.Content().Restore(ctx); err != nil {
			return err
		}

		tasks, err := e.app.Content().GetFreeTasksByLesson(ctx, lessonID)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		fmt.Printf("%-5s  %-50s  %s\n", "ID", "Title", "Done")
		fmt.Println(strings.Repeat("─", 62))
		for _, t := range tasks {
			fmt.Printf("%-5d  %-50s  %s\n", t.ID, truncate(t.Title, 50), check(t.IsCompleted))
			if verbose {
				printItems(t.Content, "       ")
			}
		}
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <lessonID> <taskID>",
	Short: "Mark a task completed and queue it for sync",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lessonID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid lesson ID %q: %w", args[0], err)
		}
		taskID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid task ID %q: %w", args[1], err)
		}
		noSync, _ := cmd.Flags().GetBool("no-sync")

		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		if err := requireSession(ctx, e.app); err != nil {
			return err
		}
		cache := e.app.Content()
		if _, err := cache.FreeLessonLoadInit(ctx); err != nil {
			e.log.Warn("load lessons", "error", err)
		}

		lessonDone, err := cache.CompleteFreeTask(ctx, lessonID, taskID)
		if err != nil {
			return err
		}
		switch {
		case lessonDone:
			fmt.Printf("Task %d done. Lesson %d complete!\n", taskID, lessonID)
		case cache.LessonPendingVerification(lessonID):
			fmt.Printf("Task %d done. Lesson %d will be checked on the next sync.\n", taskID, lessonID)
		default:
			fmt.Printf("Task %d done.\n", taskID)
		}

		if noSync {
			return nil
		}
		return printSync(e.app.Syncer().SyncCompletedTasks(ctx))
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued task completions to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		if err := requireSession(ctx, e.app); err != nil {
			return err
		}
		if _, err := e.app.Content().FreeLessonLoadInit(ctx); err != nil {
			e.log.Warn("load lessons", "error", err)
		}
		return printSync(e.app.Syncer().SyncCompletedTasks(ctx))
	},
}

func printSync(res *syncer.Result, err error) error {
	var re *syncer.ReconciliationError
	if err != nil && !errors.As(err, &re) {
		fmt.Println("Sync failed, completions stay queued.")
		return err
	}
	if len(res.Sent) == 0 {
		fmt.Println("Nothing to sync.")
		return nil
	}
	fmt.Printf("Synced %d task(s).", len(res.Sent))
	if len(res.NewlyCompletedLessons) > 0 {
		fmt.Printf(" Lessons confirmed: %s.", joinInts(res.NewlyCompletedLessons))
	}
	fmt.Println()
	return err
}

func lessonMark(cache *content.Cache, l content.Lesson) string {
	if l.IsCompleted {
		return "✓"
	}
	if cache.LessonPendingVerification(l.ID) {
		return "?"
	}
	return ""
}

func check(ok bool) string {
	if ok {
		return "✓"
	}
	return ""
}

func printItems(items []content.ContentItem, indent string) {
	for _, it := range items {
		switch it.Kind {
		case content.KindParagraph:
			fmt.Printf("%s%s\n", indent, it.Text)
		case content.KindMixed:
			printItems(it.Items, indent+"  ")
		default:
			label := string(it.Kind)
			if it.Title != "" {
				label += " " + strconv.Quote(it.Title)
			}
			fmt.Printf("%s[%s] %s\n", indent, label, it.URL)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

func init() {
	lessonsCmd.Flags().Bool("refresh", false, "Fetch from the backend instead of the local snapshot")
	lessonsCmd.Flags().Bool("prefetch", false, "Also fetch every lesson's tasks for offline use")
	tasksCmd.Flags().Bool("content", false, "Print task content")
	completeCmd.Flags().Bool("no-sync", false, "Queue only; do not sync now")
}
