package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/xenops/vm"
)

var createCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a paused domain, optionally booting it from an image",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}
	cmd.Flags().String("image", "", "raw kernel image to boot right after creation")
	return cmd
}()

func runCreate(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.create")
	image, _ := cmd.Flags().GetString("image")

	s, err := initBoth(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	lctx, cancel := lockContext(ctx)
	defer cancel()
	id, err := s.hv.CreateDomain(lctx)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	logger.Infof(ctx, "created domain %d", id)
	if image != "" {
		orch, err := initOrchestrator(s.hv)
		if err != nil {
			return err
		}
		res, err := orch.Boot(lctx, id, image)
		if err != nil {
			return fmt.Errorf("boot domain %d (left paused): %w", id, err)
		}
		if err := vm.PublishImage(lctx, s.store, id, image, res.ImageDigest); err != nil {
			logger.Warnf(ctx, "publish image of domain %d: %v", id, err)
		}
	}
	fmt.Println(id)
	return nil
}
