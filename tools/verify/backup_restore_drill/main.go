// Command backup_restore_drill seeds a store with finished executions, backs
// it up with VACUUM INTO, reopens the copy and checks nothing was lost.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskd/internal/persistence"
)

const seedTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskd-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	store, err := persistence.Open(filepath.Join(baseDir, "taskd.db"))
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	for i := 0; i < seedTasks; i++ {
		if err := seed(ctx, store, i); err != nil {
			fmt.Printf("seed_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupPath := filepath.Join(baseDir, "backups", "taskd.db")
	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restored.TaskCounts(ctx)
	if err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	var execCount int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_executions WHERE status = 'completed';`).Scan(&execCount); err != nil {
		fmt.Printf("count_executions_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("restore_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_active_tasks=%d\n", counts[persistence.TaskActive])
	fmt.Printf("restored_completed_executions=%d\n", execCount)

	if counts[persistence.TaskActive] < seedTasks || execCount < seedTasks {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func seed(ctx context.Context, store *persistence.Store, i int) error {
	now := time.Now().UTC()
	task := &persistence.BackgroundTask{
		ID:        uuid.NewString(),
		Name:      fmt.Sprintf("drill-%d", i),
		Input:     "backup drill",
		Schedule:  persistence.Schedule{Kind: persistence.ScheduleManual},
		Status:    persistence.TaskActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.InsertTask(ctx, task); err != nil {
		return err
	}
	exec, err := store.ClaimTaskRun(ctx, task.ID, uuid.NewString(), "manual", now)
	if err != nil {
		return err
	}
	return store.FinishExecution(ctx, persistence.Outcome{
		ExecutionID:       exec.ID,
		Status:            persistence.ExecCompleted,
		TerminationReason: "completed",
		Output:            "ok",
		Iterations:        1,
		CompletedAt:       time.Now().UTC(),
		TaskStatus:        persistence.TaskActive,
	})
}
