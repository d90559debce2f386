package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/xenops/hypervisor"
	"github.com/projecteru2/xenops/types"
	"github.com/projecteru2/xenops/utils"
	"github.com/projecteru2/xenops/vm"
)

var shutdownCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown DOMID [DOMID...]",
		Short: "Signal domain(s) to shut down",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runShutdown,
	}
	cmd.Flags().String("reason", "poweroff", "shutdown reason (poweroff|reboot|suspend|crash|halt|s3)")
	cmd.Flags().Bool("wait", false, "wait until each domain reports shutdown or disappears")
	cmd.Flags().Duration("timeout", 30*time.Second, "how long --wait waits per domain") //nolint:mnd
	return cmd
}()

func runShutdown(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	reasonStr, _ := cmd.Flags().GetString("reason")
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	reason, err := types.ParseShutdownReason(reasonStr)
	if err != nil {
		return err
	}
	s, err := initBoth(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	return batchDomainCmd(ctx, "shutdown", "signalled", func(ctx context.Context, id types.DomainID) error {
		lctx, cancel := lockContext(ctx)
		defer cancel()
		if err := vm.ShutdownWithRetry(lctx, s.store, id, reason, conf.ShutdownRetries); err != nil {
			return err
		}
		if !wait {
			return nil
		}
		return waitShutdown(ctx, s.hv, id, timeout)
	}, args)
}

// waitShutdown polls until the hypervisor reports id shut down or gone.
func waitShutdown(ctx context.Context, hv *hypervisor.Session, id types.DomainID, timeout time.Duration) error {
	logger := log.WithFunc("cmd.waitShutdown")
	return utils.WaitFor(ctx, timeout, 500*time.Millisecond, func() (bool, error) { //nolint:mnd
		info, err := hv.DomainInfo(ctx, id)
		if errors.Is(err, hypervisor.ErrNoSuchDomain) {
			logger.Infof(ctx, "domain %d is gone", id)
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("poll domain %d: %w", id, err)
		}
		if info.Shutdown || info.Dying {
			logger.Infof(ctx, "domain %d shut down (%s)", id, types.ShutdownReason(info.ShutdownCode))
			return true, nil
		}
		return false, nil
	})
}
