package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/vm"
)

var nameCmd = &cobra.Command{
	Use:   "name DOMID",
	Short: "Print a domain's name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		id, err := types.ParseDomainID(args[0])
		if err != nil {
			return fmt.Errorf("invalid domain id %q", args[0])
		}
		store, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		lctx, cancel := lockContext(ctx)
		defer cancel()
		name, err := vm.Name(lctx, store, id)
		if err != nil {
			return err
		}
		fmt.Println(name)
		return nil
	},
}
