package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/vm"
	"github.com/projecteru2/xenops/xenstore"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect DOMID",
	Short: "Show detailed domain info (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	id, err := types.ParseDomainID(args[0])
	if err != nil {
		return fmt.Errorf("invalid domain id %q", args[0])
	}
	s, err := initBoth(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	lctx, cancel := lockContext(ctx)
	defer cancel()
	info, err := s.hv.DomainInfo(lctx, id)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	name, err := vm.Name(lctx, s.store, id)
	if err != nil {
		if !errors.Is(err, xenstore.ErrStore) {
			return fmt.Errorf("inspect: %w", err)
		}
		name = vm.NamePlaceholder
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(vm.Summary{DomainInfo: *info, Name: name, UUID: info.UUID()})
	return nil
}
