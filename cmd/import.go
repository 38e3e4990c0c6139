package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vlama/vlama/convert"
	"github.com/vlama/vlama/envconfig"
	"github.com/vlama/vlama/progress"
)

func NewImportCmd() *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import SOURCE",
		Short: "Import a model from a checkpoint directory",
		Args:  cobra.ExactArgs(1),
		RunE:  importHandler,
	}

	importCmd.Flags().String("name", "", "Name for the imported model (default: the source directory name)")

	return importCmd
}

func importHandler(cmd *cobra.Command, args []string) error {
	src, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}
	if name == "" {
		name = filepath.Base(src)
	}

	dst := filepath.Join(envconfig.Models(), name)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("model %q already exists", name)
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	var bar *progress.Bar
	if err := convert.Convert(src, dst, func(n, total int64) {
		if bar == nil {
			bar = progress.NewBar(fmt.Sprintf("importing %s", name), total, n)
			p.Add(bar)
		}
		bar.Set(n)
	}); err != nil {
		p.StopAndClear()
		// dst did not exist before this run
		os.RemoveAll(dst)
		return err
	}

	p.Stop()
	fmt.Fprintf(os.Stderr, "imported %s\n", name)
	return nil
}
