package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/logger"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/orchestrator"
	"github.com/wolfeidau/planboard/internal/store"
)

type JobsCmd struct {
	List  JobsListCmd  `cmd:"" help:"List background jobs"`
	Retry JobsRetryCmd `cmd:"" help:"Retry a failed job"`
}

type JobsListCmd struct {
	State string `help:"only list jobs in this state (scheduled, running, completed or failed)"`
	Name  string `help:"only list jobs with this handler name"`
	Limit int    `help:"maximum number of jobs to list" default:"50"`
	JSON  bool   `help:"print jobs as JSON lines"`

	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

type JobsRetryCmd struct {
	ID uuid.UUID `arg:"" help:"id of the failed job"`

	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

// openOrchestrator gives operator commands the same view of jobs as the server.
func openOrchestrator(ctx context.Context, globals *Globals, pg *PostgresFlags) (*orchestrator.Orchestrator, func(), error) {
	log.Logger = logger.Setup(globals.Dev)

	pool, err := pg.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	jobStore, err := pg.jobStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create job store: %w", err)
	}

	return orchestrator.New(jobStore, orchestrator.Options{}), pool.Close, nil
}

func (c *JobsListCmd) Run(ctx context.Context, globals *Globals) error {
	orch, closeFn, err := openOrchestrator(ctx, globals, &c.Postgres)
	if err != nil {
		return err
	}
	defer closeFn()

	jobs, err := orch.ListJobs(ctx, &store.ListJobsRequest{
		State: models.JobState(c.State),
		Name:  c.Name,
		Limit: c.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if c.JSON {
		return writeJobsJSON(os.Stdout, jobs)
	}
	return writeJobsTable(os.Stdout, jobs)
}

func (c *JobsRetryCmd) Run(ctx context.Context, globals *Globals) error {
	orch, closeFn, err := openOrchestrator(ctx, globals, &c.Postgres)
	if err != nil {
		return err
	}
	defer closeFn()

	job, err := orch.RetryJob(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", c.ID, err)
	}

	fmt.Printf("job %s (%s) is %s\n", job.ID, job.Name, job.State)
	return nil
}

func writeJobsTable(w io.Writer, jobs []*models.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tATTEMPT\tRUN AT\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Name, j.State, j.Attempt, j.MaxAttempts,
			j.RunAt.Format(time.RFC3339), truncate(j.LastError, 60))
	}
	return tw.Flush()
}

func writeJobsJSON(w io.Writer, jobs []*models.Job) error {
	enc := json.NewEncoder(w)
	for _, j := range jobs {
		if err := enc.Encode(j); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
