package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/pkgferry/pkgferry/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and manage download tasks",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all tasks",
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "delete",
				Usage:     "Delete a task and its files",
				ArgsUsage: "<task_id>",
				Action:    runTasksDelete,
			},
			{
				Name:   "cleanup",
				Usage:  "Delete expired tasks",
				Action: runTasksCleanup,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "older-than",
						Usage: "Expiry age in hours (default from config)",
					},
				},
			},
		},
		DefaultCommand: "list",
	}
}

func newTaskStore(cmd *cli.Command) (*tasks.FileStore, error) {
	cfg := loadConfig(cmd)
	store := tasks.NewFileStore(cfg.Storage.TasksDir)
	if _, err := tasks.RecoverTasks(store); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return store, nil
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	store, err := newTaskStore(cmd)
	if err != nil {
		return err
	}

	list, total, err := store.List(1, 100)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if total == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tNPM\tPYTHON\tCREATED")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d/%d\t%s\n",
			t.ID,
			t.Status,
			t.NpmProgress.Completed, t.NpmProgress.Total,
			t.PypiProgress.Completed, t.PypiProgress.Total,
			t.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: pkgferry tasks show <task_id>")
	}

	store, err := newTaskStore(cmd)
	if err != nil {
		return err
	}

	t, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Files:       %v\n", t.Files)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if t.Options.Npm {
		fmt.Printf("\nnpm (node %s):    %d/%d downloaded, %d failed\n",
			t.Options.NodeVersion, t.NpmProgress.Completed, t.NpmProgress.Total, t.NpmProgress.Failed)
		if t.NpmDependencies != nil {
			fmt.Printf("Dependency tree: %d packages\n", t.NpmDependencies.Count())
		}
	}
	if t.Options.Pypi {
		fmt.Printf("\npython (%s):      %d/%d downloaded, %d failed\n",
			t.Options.PythonVersion, t.PypiProgress.Completed, t.PypiProgress.Total, t.PypiProgress.Failed)
		fmt.Printf("Platforms:       %v\n", t.Options.Platforms)
	}

	failed := append(append([]string(nil), t.NpmProgress.FailedPackages...), t.PypiProgress.FailedPackages...)
	if len(failed) > 0 {
		fmt.Println("\nFailed packages:")
		for _, name := range failed {
			fmt.Printf("  - %s\n", name)
		}
	}

	if t.ArchivePath != "" {
		fmt.Printf("\nArchive:     %s (%d bytes)\n", t.ArchivePath, t.ArchiveSize)
	}
	if t.Error != "" {
		fmt.Printf("\nError: %s\n", t.Error)
	}

	return nil
}

func runTasksDelete(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: pkgferry tasks delete <task_id>")
	}

	store, err := newTaskStore(cmd)
	if err != nil {
		return err
	}

	if err := store.Delete(taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	fmt.Printf("Task %s deleted.\n", taskID)
	return nil
}

func runTasksCleanup(_ context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)

	hours := cfg.Storage.ExpireHours
	if cmd.IsSet("older-than") {
		hours = cmd.Int("older-than")
	}

	store := tasks.NewFileStore(cfg.Storage.TasksDir)
	deleted := store.CleanupExpired(time.Duration(hours) * time.Hour)
	fmt.Printf("Deleted %d expired tasks.\n", deleted)
	return nil
}
