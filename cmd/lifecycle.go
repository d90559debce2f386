package cmd

import (
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause DOMID [DOMID...]",
	Short: "Pause running domain(s)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		hv, err := initHypervisor(ctx)
		if err != nil {
			return err
		}
		defer hv.Close() //nolint:errcheck
		lctx, cancel := lockContext(ctx)
		defer cancel()
		return batchDomainCmd(lctx, "pause", "paused", hv.Pause, args)
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause DOMID [DOMID...]",
	Short: "Unpause paused domain(s)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		hv, err := initHypervisor(ctx)
		if err != nil {
			return err
		}
		defer hv.Close() //nolint:errcheck
		lctx, cancel := lockContext(ctx)
		defer cancel()
		return batchDomainCmd(lctx, "unpause", "unpaused", hv.Unpause, args)
	},
}
