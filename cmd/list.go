package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/projecteru2/xenops/vm"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List domains with state and name",
	RunE:    runList,
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	s, err := initBoth(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	lctx, cancel := lockContext(ctx)
	defer cancel()
	rows, err := vm.List(lctx, s.hv, s.store)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tVCPUS\tMEMORY\tCPU TIME\tUUID")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID,
			r.Name,
			r.State(),
			r.OnlineVCPUs,
			formatSize(r.MemoryBytes()),
			formatCPUTime(r.CPUTime),
			r.UUID,
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}
