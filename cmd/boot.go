package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/vm"
)

var bootCmd = &cobra.Command{
	Use:   "boot DOMID IMAGE",
	Short: "Load a raw kernel image into a created domain and start it",
	Args:  cobra.ExactArgs(2), //nolint:mnd
	RunE:  runBoot,
}

func runBoot(cmd *cobra.Command, args []string) error {
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
	orch, err := initOrchestrator(s.hv)
	if err != nil {
		return err
	}

	lctx, cancel := lockContext(ctx)
	defer cancel()
	res, err := orch.Boot(lctx, id, args[1])
	if err != nil {
		return err
	}
	if err := vm.PublishImage(lctx, s.store, id, args[1], res.ImageDigest); err != nil {
		log.WithFunc("cmd.boot").Warnf(ctx, "publish image of domain %d: %v", id, err)
	}
	fmt.Printf("domain %d running from %s (%s, %s)\n", id, args[1], formatSize(res.ImageSize), res.ImageDigest)
	return nil
}
