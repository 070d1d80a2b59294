package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/haatos/simple-cd/internal/util"
	"github.com/spf13/cobra"
)

var errRunUnsuccessful = errors.New("run did not succeed")

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	var (
		mode, artifactRef string
		wait              bool
		interval          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trigger <target>",
		Short: "Trigger a deployment run for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewClient(opts.server, opts.apiKey)
			res, err := c.Trigger(cmd.Context(), args[0], mode, artifactRef)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "run %d queued for %s (%s)\n", res.RunID, res.Target, res.Mode)
			if !wait {
				return nil
			}

			run, err := c.WaitRun(cmd.Context(), res.RunID, interval)
			if err != nil {
				return err
			}
			printRun(w, run)
			if run.Status != store.StatusSucceeded {
				return fmt.Errorf("%w: run %d %s", errRunUnsuccessful, run.RunID, run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "direct, staged, build-only or deploy-only (default: the target's mode)")
	cmd.Flags().StringVar(&artifactRef, "artifact-ref", "", "artifact to publish in deploy-only mode, as <run_id>/<name>")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish and fail unless it succeeded")
	cmd.Flags().DurationVar(&interval, "poll-interval", 2*time.Second, "status polling interval with --wait")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var showOutput bool
	cmd := &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show a run and its stage results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			c := NewClient(opts.server, opts.apiKey)
			run, err := c.GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printRun(w, run)
			if showOutput {
				out, err := c.GetRunOutput(cmd.Context(), runID)
				if err != nil {
					return err
				}
				fmt.Fprintln(w)
				fmt.Fprint(w, out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showOutput, "output", false, "print the run's output log")
	return cmd
}

func newRunsCmd(opts *rootOptions) *cobra.Command {
	var limit, offset int64
	cmd := &cobra.Command{
		Use:   "runs <target>",
		Short: "List a target's runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewClient(opts.server, opts.apiKey)
			res, err := c.ListRuns(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tMODE\tSTATUS\tCREATED\tURL")
			for _, r := range res.Runs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					r.RunID, r.Mode, r.Status,
					r.CreatedOn.Local().Format(time.DateTime),
					util.Deref(r.URL),
				)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d runs\n", len(res.Runs), res.Total)
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "runs per page")
	cmd.Flags().Int64Var(&offset, "offset", 0, "runs to skip")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			if err := NewClient(opts.server, opts.apiKey).Cancel(cmd.Context(), runID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %d canceled\n", runID)
			return nil
		},
	}
}

func newLeaseCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect and administer target leases",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "release <target>",
		Short: "Force-release the lease held on a target",
		Long: "Force-release the lease held on a target. The holding run is aborted\n" +
			"and fails with a lease timeout; the next queued run is admitted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := NewClient(opts.server, opts.apiKey).ReleaseLease(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released lease %s on %s held by run %d\n", info.ID, args[0], info.RunID)
			return nil
		},
	})
	return cmd
}

func newArtifactCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Administer stored artifacts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <run_id>/<name>",
		Short: "Delete a stored artifact so it can no longer be deployed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := service.ParseArtifactRef(args[0])
			if err != nil {
				return err
			}
			if err := NewClient(opts.server, opts.apiKey).DeleteArtifact(cmd.Context(), ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "artifact %s deleted\n", ref)
			return nil
		},
	})
	return cmd
}

func newTargetsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List deployment targets and their leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			targets, err := NewClient(opts.server, opts.apiKey).Targets(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tMODE\tHOSTING\tHOLDER\tQUEUED")
			for _, t := range targets {
				holder, queued := "-", 0
				if t.Lease != nil {
					holder = "run " + strconv.FormatInt(t.Lease.RunID, 10)
					queued = t.Lease.Waiting
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", t.Name, t.Mode, t.Hosting, holder, queued)
			}
			return tw.Flush()
		},
	}
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return id, nil
}

func printRun(w io.Writer, run *store.Run) {
	fmt.Fprintf(w, "run %d  %s  %s  %s\n", run.RunID, run.Target, run.Mode, run.Status)
	if run.ArtifactRef != nil {
		fmt.Fprintf(w, "artifact: %s\n", *run.ArtifactRef)
	}
	if run.FailedStage != nil {
		fmt.Fprintf(w, "failed stage: %s\n", *run.FailedStage)
	}
	if run.Error != nil {
		fmt.Fprintf(w, "error: %s\n", *run.Error)
	}
	if run.URL != nil {
		fmt.Fprintf(w, "url: %s\n", *run.URL)
	}
	if len(run.StageResults) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tATTEMPTS\tDURATION")
	for _, sr := range run.StageResults {
		d := "-"
		if sr.StartedOn != nil && sr.EndedOn != nil {
			d = sr.EndedOn.Sub(*sr.StartedOn).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", sr.Name, sr.Status, sr.Attempts, d)
	}
	_ = tw.Flush()
}
