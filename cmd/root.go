package cmd

import (
	"github.com/spf13/cobra"
	cfgcmd "github.com/stratastor/zfsd/cmd/config"
	"github.com/stratastor/zfsd/cmd/cases"
	"github.com/stratastor/zfsd/cmd/logs"
	"github.com/stratastor/zfsd/cmd/serve"
	"github.com/stratastor/zfsd/cmd/status"
	"github.com/stratastor/zfsd/cmd/version"
	"github.com/stratastor/zfsd/config"
)

func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "zfsd",
		Short:         "zfsd: ZFS fault management daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadConfig(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(serve.NewServeCmd())
	rootCmd.AddCommand(version.NewVersionCmd())
	rootCmd.AddCommand(status.NewStatusCmd())
	rootCmd.AddCommand(cases.NewCasesCmd())
	rootCmd.AddCommand(logs.NewLogsCmd())
	rootCmd.AddCommand(cfgcmd.NewConfigCmd())

	return rootCmd
}
