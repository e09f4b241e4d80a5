package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/t77yq/media-cluster/internal/app"
)

var masterListen string

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the cluster master",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("master", func(v *viper.Viper) {
			if cmd.Flags().Changed("listen") {
				v.Set("master.listen", masterListen)
			}
		}, app.RunMaster)
	},
}

func init() {
	masterCmd.Flags().StringVar(&masterListen, "listen", ":3000", "address the master API listens on")
	rootCmd.AddCommand(masterCmd)
}
