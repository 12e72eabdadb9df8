package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/jobexec"
	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/store"
)

// JobView is the output form of a job.
type JobView struct {
	ID         string `json:"id"`
	Handler    string `json:"handler"`
	Definition string `json:"definition,omitempty"`
	Retries    int    `json:"retries"`
	RetrySpec  string `json:"retry_spec,omitempty"`
	Due        string `json:"due,omitempty"`
	LockOwner  string `json:"lock_owner,omitempty"`
	Suspended  bool   `json:"suspended"`
	Exception  string `json:"exception,omitempty"`
}

func newJobView(j *model.Job) JobView {
	v := JobView{
		ID:         j.ID,
		Handler:    j.HandlerType,
		Definition: j.DefinitionID,
		Retries:    j.Retries,
		RetrySpec:  j.RetrySpec,
		LockOwner:  j.LockOwner,
		Suspended:  j.Suspended,
		Exception:  j.ExceptionInfo,
	}
	if !j.DueDate.IsZero() {
		v.Due = j.DueDate.UTC().Format(time.RFC3339)
	}
	return v
}

// JobList is the output of jobs list.
type JobList struct {
	Jobs []JobView `json:"jobs"`
}

func (l JobList) renderText(w io.Writer) {
	if len(l.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHANDLER\tRETRIES\tDUE\tLOCKED BY\tSTATE")
	for _, j := range l.Jobs {
		state := "ready"
		switch {
		case j.Suspended:
			state = "suspended"
		case j.Retries == 0:
			state = "failed"
		case j.Exception != "":
			state = "retrying"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", j.ID, j.Handler, j.Retries, j.Due, j.LockOwner, state)
	}
	tw.Flush()
}

// IncidentList is the output of jobs incidents.
type IncidentList struct {
	Job       string         `json:"job"`
	Incidents []IncidentView `json:"incidents"`
}

// IncidentView is the output form of an incident.
type IncidentView struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
	Created string `json:"created"`
}

func (l IncidentList) renderText(w io.Writer) {
	if len(l.Incidents) == 0 {
		fmt.Fprintf(w, "No incidents for job %s.\n", l.Job)
		return
	}
	for _, i := range l.Incidents {
		fmt.Fprintf(w, "%s  %s  %s\n", i.Created, i.ID, i.Message)
		if i.Cause != "" {
			fmt.Fprintf(w, "  caused by %s\n", i.Cause)
		}
	}
}

// ActionResult reports a management command.
type ActionResult struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

func (r ActionResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", r.Action, r.ID)
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage asynchronous jobs",
	}

	cmd.AddCommand(newJobsListCommand(rootOpts))
	cmd.AddCommand(newJobsScheduleCommand(rootOpts))
	cmd.AddCommand(newJobsSetRetriesCommand(rootOpts))
	cmd.AddCommand(newJobsUnlockCommand(rootOpts))
	cmd.AddCommand(newJobsActivateCommand(rootOpts))
	cmd.AddCommand(newJobsIncidentsCommand(rootOpts))

	return cmd
}

// withManagement opens the runtime and runs fn with the management
// commands.
func withManagement(cmd *cobra.Command, opts *RootOptions, op string, fn func(m *jobexec.Management) (any, error)) error {
	f := opts.formatter(cmd)
	rt, err := openRuntime(cmd, opts, nil)
	if err != nil {
		return f.Fail(op, err)
	}
	defer rt.Close()

	out, err := fn(rt.management())
	if err != nil {
		return f.Fail(op, err)
	}
	return f.Success(out)
}

func newJobsListCommand(opts *RootOptions) *cobra.Command {
	var filter store.JobFilter

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List jobs in creation order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManagement(cmd, opts, "list jobs", func(m *jobexec.Management) (any, error) {
				jobs, err := m.ListJobs(cmd.Context(), filter)
				if err != nil {
					return nil, err
				}
				out := JobList{Jobs: make([]JobView, 0, len(jobs))}
				for _, j := range jobs {
					out.Jobs = append(out.Jobs, newJobView(j))
				}
				return out, nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.DefinitionID, "definition", "", "only jobs of this definition id")
	cmd.Flags().BoolVar(&filter.Failed, "failed", false, "only jobs without retries left")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of jobs (0 lists all)")

	return cmd
}

func newJobsScheduleCommand(opts *RootOptions) *cobra.Command {
	var req jobexec.JobRequest

	cmd := &cobra.Command{
		Use:   "schedule <handler>",
		Short: "Create a job for a handler type",
		Example: `  conductor jobs schedule log --payload hello
  conductor jobs schedule invoice.send --definition 0191... --retry R5/PT1M`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.HandlerType = args[0]
			return withManagement(cmd, opts, "schedule job", func(m *jobexec.Management) (any, error) {
				job, err := m.Schedule(cmd.Context(), req)
				if err != nil {
					return nil, err
				}
				return newJobView(job), nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Payload, "payload", "", "job payload")
	cmd.Flags().StringVar(&req.DefinitionID, "definition", "", "definition id the job belongs to")
	cmd.Flags().StringVar(&req.RetrySpec, "retry", "", "retry specification (count, interval list or R<n>/<duration>)")

	return cmd
}

func newJobsSetRetriesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "set-retries <job-id> <retries>",
		Short:         "Set the retry budget of a job",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return opts.formatter(cmd).Fail("set retries",
					model.NewValidationError("set retries", "retries must be an integer, got %q", args[1]))
			}
			return withManagement(cmd, opts, "set retries", func(m *jobexec.Management) (any, error) {
				return ActionResult{Action: "Updated", ID: args[0]}, m.SetRetries(cmd.Context(), args[0], n)
			})
		},
	}
}

func newJobsUnlockCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unlock <job-id>",
		Short:         "Drop the lease of a job",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManagement(cmd, opts, "unlock job", func(m *jobexec.Management) (any, error) {
				return ActionResult{Action: "Unlocked", ID: args[0]}, m.Unlock(cmd.Context(), args[0])
			})
		},
	}
}

func newJobsActivateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "activate <definition-id>",
		Short:         "Resume a suspended definition and its jobs",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManagement(cmd, opts, "activate definition", func(m *jobexec.Management) (any, error) {
				return ActionResult{Action: "Activated", ID: args[0]}, m.ActivateDefinition(cmd.Context(), args[0])
			})
		},
	}
}

func newJobsIncidentsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "incidents <job-id>",
		Short:         "List the incidents raised by a job",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManagement(cmd, opts, "list incidents", func(m *jobexec.Management) (any, error) {
				incidents, err := m.Incidents(cmd.Context(), args[0])
				if err != nil {
					return nil, err
				}
				out := IncidentList{Job: args[0], Incidents: make([]IncidentView, 0, len(incidents))}
				for _, i := range incidents {
					out.Incidents = append(out.Incidents, IncidentView{
						ID:      i.ID,
						Message: i.Message,
						Cause:   i.CauseIncidentID,
						Created: i.CreatedAt.UTC().Format(time.RFC3339),
					})
				}
				return out, nil
			})
		},
	}
}
