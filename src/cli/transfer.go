package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/config"
	"instance-transfer/src/migrate"
	"instance-transfer/src/ref"
	"instance-transfer/src/safety"
)

func newTransferCmd(stdout io.Writer, o *options) *cobra.Command {
	var (
		source       string
		destProject  string
		destName     string
		move         bool
		manifestFile string
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Copy or move an instance and its attached volumes to another project",
		Long: `Copy (default) or move an instance and its attached volumes to another project.

Copy leaves the source untouched. Move deletes the source instance once its
disks have been captured and hands the original volumes over to the
destination project. On failure nothing is rolled back; every resource
created so far is listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			srcRef, err := ref.ParseInstance(source, cfg.Backend == config.BackendIncus)
			if err != nil {
				return err
			}
			proj, err := ref.ParseProject(destProject)
			if err != nil {
				return err
			}
			logger.Debugf("transfer %s to project %s, move=%t", srcRef, proj, move)

			ctx := commandContext(cmd)
			client, err := connect(ctx, cfg, o)
			if err != nil {
				return err
			}
			mcfg := migratorConfig(cfg, client, o)
			mcfg.Out = stdout
			m := migrate.New(mcfg)
			req := migrate.Request{
				SourceInstance:   srcRef,
				DestProject:      proj.Value,
				DestInstanceName: destName,
				Move:             move,
			}

			opts := getSafetyOptions(cmd)
			if opts.DryRun {
				plan, err := m.Plan(ctx, req)
				if err != nil {
					return err
				}
				return renderPlan(stdout, plan)
			}
			if move {
				warning := fmt.Sprintf("--move deletes instance %s once its disks are captured.", srcRef)
				if err := safety.ConfirmToken(opts, cmd.InOrStdin(), stdout, warning, safety.NewToken()); err != nil {
					return errors.Annotate(err, "move not confirmed")
				}
			} else {
				question := fmt.Sprintf("Copy instance %s and its volumes to project %s?", srcRef, proj.Value)
				ok, err := safety.Confirm(opts, cmd.InOrStdin(), stdout, question)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(stdout, "Aborted.")
					return nil
				}
			}

			res, runErr := m.Run(ctx, req)
			if manifestFile != "" {
				if err := m.Manifest().WriteFile(manifestFile, runErr); err != nil {
					if runErr == nil {
						return err
					}
					logger.Errorf("%v", err)
				}
			}
			if runErr != nil {
				return runErr
			}
			return renderResult(stdout, res)
		},
	}
	cmd.Flags().StringVar(&source, "source-instance", "", "Instance to transfer (UUID)")
	cmd.Flags().StringVar(&destProject, "dest-project", "", "Destination project name or id")
	cmd.Flags().StringVar(&destName, "dest-instance", "", "Name of the new instance (default: source name)")
	cmd.Flags().BoolVar(&move, "move", false, "Delete the source instance and hand its volumes over")
	cmd.Flags().StringVar(&manifestFile, "manifest-file", "", "Write the created-resources manifest as JSON to this path")
	_ = cmd.MarkFlagRequired("source-instance")
	_ = cmd.MarkFlagRequired("dest-project")
	return cmd
}

func mode(move bool) string {
	if move {
		return "move"
	}
	return "copy"
}

func renderPlan(w io.Writer, p migrate.Plan) error {
	f := p.Facts
	fmt.Fprintf(w, "[dry-run] Would %s %s instance %s (%s) from %s to %s as %s\n",
		mode(p.Move), f.Kind, f.Instance.ID, f.Instance.Name, f.SourceProject.Name, f.DestProject.Name, p.DestName)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATE\tACTION")
	for i, s := range p.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, s.State, s.Action)
	}
	return tw.Flush()
}

func renderResult(w io.Writer, res migrate.Result) error {
	inst := res.Instance
	fmt.Fprintf(w, "Instance %s (%s) is %s in project %s\n",
		inst.ID, inst.Name, inst.Status, res.Facts.DestProject.Name)
	if len(res.Volumes) == 0 {
		return nil
	}
	return renderVolumes(w, res.Volumes, inst.ID)
}

func renderVolumes(w io.Writer, vols []cloudapi.Volume, serverID string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VOLUME\tDEVICE\tBOOTABLE\tSTATUS")
	for _, v := range vols {
		dev := v.Device
		if d, ok := v.DeviceFor(serverID); ok {
			dev = d
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", v.ID, dev, v.Bootable, v.Status)
	}
	return tw.Flush()
}
