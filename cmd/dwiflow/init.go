package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/dwiflow/internal/config"
	"github.com/aristath/dwiflow/internal/workspace"
)

func initCmd(g *globalOptions) *cobra.Command {
	var (
		subjectsFile string
		writeConfig  bool
	)

	cmd := &cobra.Command{
		Use:   "init [subject...]",
		Short: "Create the derivatives skeleton for subjects",
		Long: `Init creates each subject's directory under the derivatives root and checks
that it is writable. With --write-config it also writes the default
configuration to .dwiflow/config.yaml unless that file exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if writeConfig {
				_, project := configPaths()
				wrote, err := writeDefaultConfig(project)
				if err != nil {
					return err
				}
				if wrote {
					colorOK.Fprint(out, "wrote ")
				} else {
					colorSkip.Fprint(out, "exists ")
				}
				fmt.Fprintln(out, project)
				if len(args) == 0 && subjectsFile == "" {
					return nil
				}
			}

			subs, err := subjects(args, subjectsFile)
			if err != nil {
				return err
			}
			a, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			for _, s := range subs {
				if err := a.ws.Provision(s); err != nil {
					return fmt.Errorf("sub-%s: %w", s, err)
				}
				colorOK.Fprint(out, "ready ")
				fmt.Fprintln(out, filepath.Join(a.ws.Root(), workspace.SubjectDir(s)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subjectsFile, "subjects-file", "", "file with one subject per line")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "write the default config to .dwiflow/config.yaml if missing")
	return cmd
}

// writeDefaultConfig saves the default configuration to path unless a file
// is already there.
func writeDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return false, err
	}
	return true, nil
}
