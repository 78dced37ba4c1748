package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"instance-transfer/src/config"
	"instance-transfer/src/migrate"
	"instance-transfer/src/ref"
)

type volumeView struct {
	ID       string `json:"id"`
	Device   string `json:"device"`
	Bootable bool   `json:"bootable"`
	Status   string `json:"status"`
	Root     bool   `json:"root"`
}

type instanceView struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Status  string       `json:"status"`
	Project string       `json:"project"`
	Flavor  string       `json:"flavor"`
	Kind    migrate.Kind `json:"kind"`
	Volumes []volumeView `json:"volumes"`
}

func viewOf(f migrate.Facts) instanceView {
	v := instanceView{
		ID:      f.Instance.ID,
		Name:    f.Instance.Name,
		Status:  f.Instance.Status,
		Project: f.SourceProject.Name,
		Flavor:  f.Instance.FlavorID,
		Kind:    f.Kind,
		Volumes: []volumeView{},
	}
	for i, vol := range f.Volumes {
		v.Volumes = append(v.Volumes, volumeView{
			ID:       vol.ID,
			Device:   vol.Device,
			Bootable: vol.Bootable,
			Status:   vol.Status,
			Root:     i == f.Root,
		})
	}
	return v
}

func newShowCmd(stdout io.Writer, o *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <instance>",
		Short: "Show an instance, its attached volumes and how it would be transferred",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			instRef, err := ref.ParseInstance(args[0], cfg.Backend == config.BackendIncus)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			client, err := connect(ctx, cfg, o)
			if err != nil {
				return err
			}
			facts, err := migrate.New(migratorConfig(cfg, client, o)).Inspect(ctx, instRef)
			if err != nil {
				return err
			}
			view := viewOf(facts)
			switch output {
			case "json":
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			case "table", "":
				return renderInstance(stdout, view)
			default:
				return errors.NotValidf("--output %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json")
	return cmd
}

func renderInstance(w io.Writer, v instanceView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tNAME\tSTATUS\tPROJECT\tFLAVOR\tKIND")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Status, v.Project, v.Flavor, v.Kind)
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(v.Volumes) == 0 {
		fmt.Fprintln(w, "\nNo attached volumes.")
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VOLUME\tDEVICE\tBOOTABLE\tSTATUS\tROOT")
	for _, vol := range v.Volumes {
		root := ""
		if vol.Root {
			root = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", vol.ID, vol.Device, vol.Bootable, vol.Status, root)
	}
	return tw.Flush()
}
