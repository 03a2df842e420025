package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		tag, _ := pool.Exec(ctx, "DELETE FROM rules WHERE group_id NOT IN (SELECT id FROM rule_groups)")
		fmt.Printf("Deleted %d orphan rules\n", tag.RowsAffected())
		tag, _ = pool.Exec(ctx, "DELETE FROM tags WHERE group_id NOT IN (SELECT id FROM tag_groups)")
		fmt.Printf("Deleted %d orphan tags\n", tag.RowsAffected())
		tag, _ = pool.Exec(ctx, "DELETE FROM task_runs WHERE status = 'running' AND started_at < now() - interval '1 day'")
		fmt.Printf("Deleted %d stuck task runs\n", tag.RowsAffected())
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "runs" {
		inspectRuns(ctx, pool)
		return
	}

	// Default: table counts
	tables := []string{
		"rule_groups", "rules", "tag_groups", "tags",
		"autocreate_rules", "autocreate_executions",
		"m3u_snapshots", "m3u_change_logs", "digest_settings",
		"stream_stats", "scheduled_tasks", "task_schedules", "task_runs",
		"notifications", "epg_profiles",
	}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}
}

func inspectRuns(ctx context.Context, pool *pgxpool.Pool) {
	fmt.Println("── Runs Per Task ──")
	rows, _ := pool.Query(ctx, `
		SELECT task_id, status, count(*)
		FROM task_runs
		GROUP BY task_id, status
		ORDER BY task_id, status
	`)
	defer rows.Close()
	for rows.Next() {
		var taskID, status string
		var count int64
		rows.Scan(&taskID, &status, &count)
		fmt.Printf("  %-20s %-10s %d\n", taskID, status, count)
	}

	var running int64
	pool.QueryRow(ctx, "SELECT count(*) FROM task_runs WHERE status = 'running'").Scan(&running)
	fmt.Printf("\n  Currently running: %d\n", running)

	fmt.Println("\n── Last 10 Runs ──")
	rows2, _ := pool.Query(ctx, `
		SELECT run_id, task_id, status, started_at, finished_at
		FROM task_runs
		ORDER BY started_at DESC
		LIMIT 10
	`)
	defer rows2.Close()
	for rows2.Next() {
		var id int64
		var taskID, status string
		var started, finished interface{}
		rows2.Scan(&id, &taskID, &status, &started, &finished)
		fmt.Printf("  run=%d task=%s status=%s started=%v finished=%v\n", id, taskID, status, started, finished)
	}
}
