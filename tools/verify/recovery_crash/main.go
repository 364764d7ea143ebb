// Command recovery_crash checks that executions left running by a killed
// daemon are closed on the next start. Run prepare, then claim-sleep and
// kill it with SIGKILL, then recover.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskd/internal/persistence"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	taskID := flag.String("task", "", "task id for claim-sleep")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		now := time.Now().UTC()
		task := &persistence.BackgroundTask{
			ID:        uuid.NewString(),
			Name:      "crash-drill",
			Input:     "sleep forever",
			Schedule:  persistence.Schedule{Kind: persistence.ScheduleManual},
			Status:    persistence.TaskActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.InsertTask(ctx, task); err != nil {
			fmt.Fprintf(os.Stderr, "insert task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		exec, err := store.ClaimTaskRun(ctx, *taskID, uuid.NewString(), "manual", time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task run: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_EXECUTION_ID=%s\n", exec.ID)
		for {
			time.Sleep(time.Second)
		}
	case "recover":
		stale, err := store.RecoverStaleRunning(ctx, time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover stale executions: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", len(stale))
		running, err := store.ListRunningExecutions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list running executions: %v\n", err)
			os.Exit(1)
		}
		tasks, err := store.ListTasks(ctx, persistence.TaskRunning)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list running tasks: %v\n", err)
			os.Exit(1)
		}
		if len(running) > 0 || len(tasks) > 0 {
			fmt.Printf("VERDICT FAIL: %d executions and %d tasks still running after recovery\n", len(running), len(tasks))
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
