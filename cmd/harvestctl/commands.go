package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/infrastructure/postgres"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func createCmd(api func() *apiClient) *cobra.Command {
	var rec record

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one job per media url of a record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := api().CreateJobs(cmd.Context(), rec)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&rec.Owner.CollectionID, "collection", "", "collection id")
	f.StringVar(&rec.Owner.ProviderID, "provider", "", "provider id")
	f.StringVar(&rec.Owner.RecordID, "record", "", "record id")
	f.StringVar(&rec.Object, "object", "", "object url")
	f.StringSliceVar(&rec.HasView, "has-view", nil, "has-view url, repeatable")
	f.StringVar(&rec.IsShownBy, "is-shown-by", "", "is-shown-by url")
	f.StringVar(&rec.IsShownAt, "is-shown-at", "", "is-shown-at url, link-checked only")
	f.BoolVar(&rec.ForceUnconditionalDownload, "force", false, "download even if the content may be unchanged")
	f.IntVar(&rec.Priority, "priority", 0, "job priority")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func statusCmd(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and the state of its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := api().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderJob(cmd, job)
			return nil
		},
	}
}

func pauseCmd(api func() *apiClient) *cobra.Command {
	return stateCmd(api, "pause", "Stop dispatching a job's tasks")
}

func resumeCmd(api func() *apiClient) *cobra.Command {
	return stateCmd(api, "resume", "Dispatch a paused job again")
}

func stateCmd(api func() *apiClient, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := api().ChangeState(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.State)
			return nil
		},
	}
}

func seedCmd(api func() *apiClient) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create jobs for a batch of records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			records := sampleRecords
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				records = nil
				if err := json.Unmarshal(data, &records); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Record", "Jobs", "Error"})

			var failed int
			client := api()
			for _, rec := range records {
				ids, err := client.CreateJobs(cmd.Context(), rec)
				if err != nil {
					failed++
					t.AppendRow(table.Row{rec.Owner.RecordID, 0, err.Error()})
					continue
				}
				t.AppendRow(table.Row{rec.Owner.RecordID, len(ids), ""})
			}
			t.Render()

			if failed > 0 {
				return fmt.Errorf("%d of %d records failed", failed, len(records))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON array of records (default: built-in samples)")
	return cmd
}

func migrateCmd(databaseURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := databaseURL()
			if url == "" {
				return errors.New("DATABASE_URL is not set")
			}
			if err := postgres.Migrate(url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func renderJob(cmd *cobra.Command, job *jobStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"ID", job.ID},
		{"State", job.State},
		{"Priority", job.Priority},
		{"Record", job.Owner.RecordID},
		{"IP", job.IPAddress},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
		{"Updated", job.UpdatedAt.Format(time.RFC3339)},
	})

	states := make([]string, 0, len(job.Tasks))
	for s := range job.Tasks {
		states = append(states, s)
	}
	sort.Strings(states)
	if len(states) > 0 {
		t.AppendSeparator()
		for _, s := range states {
			t.AppendRow(table.Row{"Tasks " + s, job.Tasks[s]})
		}
	}
	t.Render()
}

// sampleRecords point at public test images so a local stack has work.
var sampleRecords = []record{
	{
		Owner:     owner{CollectionID: "seed", ProviderID: "httpbin", RecordID: "seed-001"},
		IsShownBy: "https://httpbin.org/image/png",
		HasView:   []string{"https://httpbin.org/image/jpeg"},
		IsShownAt: "https://httpbin.org/html",
	},
	{
		Owner:     owner{CollectionID: "seed", ProviderID: "httpbin", RecordID: "seed-002"},
		IsShownBy: "https://httpbin.org/image/webp",
	},
	{
		Owner:  owner{CollectionID: "seed", ProviderID: "httpbin", RecordID: "seed-003"},
		Object: "https://httpbin.org/image/svg",
	},
	{
		// 404: the job finishes with an ERROR retrieval
		Owner:     owner{CollectionID: "seed", ProviderID: "httpbin", RecordID: "seed-004"},
		IsShownBy: "https://httpbin.org/status/404",
	},
	{
		// slow: exercises the time limit
		Owner:     owner{CollectionID: "seed", ProviderID: "httpbin", RecordID: "seed-005"},
		IsShownBy: "https://httpbin.org/delay/120",
	},
}
