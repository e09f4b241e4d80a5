package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/t77yq/media-cluster/internal/app"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a streaming worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("worker", func(v *viper.Viper) {
			flags := cmd.Flags()
			for key, flag := range map[string]string{
				"worker.id":         "id",
				"worker.port":       "port",
				"worker.host":       "host",
				"worker.master_url": "master",
			} {
				if flags.Changed(flag) {
					v.BindPFlag(key, flags.Lookup(flag))
				}
			}
		}, app.RunWorker)
	},
}

func init() {
	workerCmd.Flags().String("id", "", "worker id (generated when empty)")
	workerCmd.Flags().Int("port", 3002, "port the worker listens on and advertises")
	workerCmd.Flags().String("host", "localhost", "host advertised to the master")
	workerCmd.Flags().String("master", "http://127.0.0.1:3000", "master base URL")
	rootCmd.AddCommand(workerCmd)
}
