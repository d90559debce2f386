package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/xenops/config"
	"github.com/projecteru2/xenops/rpc"
)

var serveCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON-RPC daemon",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", config.DefaultConfig().Listen, "listen address")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}()

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	s, err := initBoth(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	orch, err := initOrchestrator(s.hv)
	if err != nil {
		return err
	}
	return rpc.New(s.hv, s.store, orch, conf.ShutdownRetries).Serve(ctx, conf.Listen)
}
