package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/store"
)

var (
	jobsState string
	jobsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List research jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return eris.Wrap(err, "init store")
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		list, err := st.ListJobs(ctx, store.JobFilter{
			State: model.JobState(jobsState),
			Limit: jobsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsState, "state", "", "filter by state (queued, running, complete, partial, failed)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum jobs to list")
	rootCmd.AddCommand(jobsCmd)
}
