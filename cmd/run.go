package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-intel/internal/jobs"
	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

var (
	runName    string
	runDomain  string
	runSources []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Research a single company and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx := cmd.Context()

		app, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		var sources []model.SourceKey
		for _, s := range runSources {
			sources = append(sources, model.SourceKey(s))
		}

		job, err := app.Manager.Submit(ctx, jobs.SubmitRequest{
			Company: model.Company{Name: runName, Domain: runDomain},
			Sources: sources,
		})
		if err != nil {
			if resilience.IsInvalidRequest(err) {
				return err
			}
			return eris.Wrap(err, "submit job")
		}

		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for !job.State.IsTerminal() {
			select {
			case <-ctx.Done():
				_ = app.Manager.Cancel(ctx, job.ID)
				return eris.Wrap(ctx.Err(), "research interrupted")
			case <-ticker.C:
			}
			job, err = app.Manager.GetStatus(ctx, job.ID)
			if err != nil {
				return eris.Wrap(err, "poll job status")
			}
		}

		zap.L().Info("research finished",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "company name")
	runCmd.Flags().StringVar(&runDomain, "domain", "", "company website domain")
	runCmd.Flags().StringSliceVar(&runSources, "sources", nil, "source subset (default all: site,jobs,repos,news)")
	rootCmd.AddCommand(runCmd)
}
