package cli

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/deploy"
	"github.com/roach88/conductor/internal/store"
)

// DeployOptions holds flags for the deploy command.
type DeployOptions struct {
	*RootOptions
	Loader         string
	KeepDuplicates bool
}

// DeployedResource is one resource of a deployment and the definition it
// is bound to.
type DeployedResource struct {
	Name         string `json:"name"`
	Definition   string `json:"definition,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
}

// DeployResult is the output of the deploy command.
type DeployResult struct {
	Deployment string             `json:"deployment"`
	Name       string             `json:"name"`
	Resources  []DeployedResource `json:"resources"`
}

func (r DeployResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "Deployed %s (%s)\n", r.Name, r.Deployment)
	for _, res := range r.Resources {
		if res.Definition == "" {
			fmt.Fprintf(w, "  %s\n", res.Name)
			continue
		}
		fmt.Fprintf(w, "  %s -> %s\n", res.Name, res.Definition)
	}
}

// UndeployResult is the output of the undeploy command.
type UndeployResult struct {
	Deployment string `json:"deployment"`
	Name       string `json:"name"`
	Deleted    bool   `json:"deleted"`
}

func (r UndeployResult) renderText(w io.Writer) {
	switch {
	case r.Deployment == "":
		fmt.Fprintf(w, "No deployment named %s\n", r.Name)
	case r.Deleted:
		fmt.Fprintf(w, "Deleted %s (%s)\n", r.Name, r.Deployment)
	default:
		fmt.Fprintf(w, "Suspended %s (%s)\n", r.Name, r.Deployment)
	}
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeployOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deploy <name> <path>...",
		Short: "Deploy process definition resources",
		Long: `Deploy resource files under a deployment name.

Each path is a file or a directory walked recursively; .yaml, .yml and .cue
files are deployed with their path relative to the argument as resource
name. Definitions whose content is unchanged are reused; changed ones get
the next version.

Examples:
  conductor deploy invoices ./processes
  conductor deploy invoices invoice.yaml --keep-duplicates`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Loader, "loader", "", "loader handle recorded on new definitions")
	cmd.Flags().BoolVar(&opts.KeepDuplicates, "keep-duplicates", false, "record a new deployment even when nothing changed")

	return cmd
}

func runDeploy(opts *DeployOptions, name string, paths []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	resources, err := readResources(paths)
	if err != nil {
		return f.Fail("deploy", err)
	}
	f.VerboseLog("read %d resources", len(resources))

	rt, err := openRuntime(cmd, opts.RootOptions, nil)
	if err != nil {
		return f.Fail("deploy", err)
	}
	defer rt.Close()

	deployOpts := []deploy.DeployOption{deploy.WithDuplicateFilter(!opts.KeepDuplicates)}
	if opts.Loader != "" {
		deployOpts = append(deployOpts, deploy.WithLoaderHandle(opts.Loader))
	}
	id, err := rt.versioner().Deploy(cmd.Context(), name, resources, deployOpts...)
	if err != nil {
		return f.Fail("deploy "+name, err)
	}

	result, err := describeDeployment(cmd.Context(), rt.store, id, name)
	if err != nil {
		return f.Fail("deploy "+name, err)
	}
	return f.Success(result)
}

// readResources collects the deployable files under paths.
func readResources(paths []string) (map[string][]byte, error) {
	resources := make(map[string][]byte)
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, setupError(ErrCodeNotFound, "path not found", err)
		}
		if !info.IsDir() {
			data, err := os.ReadFile(root)
			if err != nil {
				return nil, setupError(ErrCodeNotFound, "read resource", err)
			}
			resources[filepath.Base(root)] = data
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !deployable(path) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			resources[filepath.ToSlash(rel)] = data
			return nil
		})
		if err != nil {
			return nil, setupError(ErrCodeNotFound, "read resources", err)
		}
	}
	return resources, nil
}

func deployable(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

func describeDeployment(ctx context.Context, st *store.Store, id, name string) (DeployResult, error) {
	result := DeployResult{Deployment: id, Name: name, Resources: []DeployedResource{}}
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		resources, err := tx.ResourcesByDeployment(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range resources {
			dr := DeployedResource{Name: r.Name}
			if r.DefinitionID != "" {
				def, err := tx.FindDefinition(ctx, r.DefinitionID)
				if err != nil {
					return err
				}
				if def != nil {
					dr.Definition = fmt.Sprintf("%s@%d", def.Key, def.Version)
					dr.DefinitionID = def.ID
				}
			}
			result.Resources = append(result.Resources, dr)
		}
		return nil
	})
	sort.Slice(result.Resources, func(i, j int) bool {
		return result.Resources[i].Name < result.Resources[j].Name
	})
	return result, err
}

// NewUndeployCommand creates the undeploy command.
func NewUndeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := rootOpts
	var del bool

	cmd := &cobra.Command{
		Use:   "undeploy <name>",
		Short: "Suspend or delete the latest deployment of a name",
		Long: `Suspend every version of the definitions deployed by the most recent
deployment of name, together with their jobs. With --delete the deployment,
its resources and the definitions it created are removed, including their
jobs and incidents.

Examples:
  conductor undeploy invoices
  conductor undeploy invoices --delete`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			rt, err := openRuntime(cmd, opts, nil)
			if err != nil {
				return f.Fail("undeploy", err)
			}
			defer rt.Close()

			id, err := rt.versioner().Undeploy(cmd.Context(), args[0], del)
			if err != nil {
				return f.Fail("undeploy "+args[0], err)
			}
			return f.Success(UndeployResult{Deployment: id, Name: args[0], Deleted: del && id != ""})
		},
	}

	cmd.Flags().BoolVar(&del, "delete", false, "remove the deployment and what it created")

	return cmd
}
