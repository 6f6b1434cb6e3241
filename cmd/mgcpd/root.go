package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfigPath = "/etc/mgcpd/mgcp.conf"

var rootCmd = &cobra.Command{
	Use:   "mgcpd",
	Short: "MGCP call agent",
	Long: `mgcpd drives residential MGCP gateways: it audits endpoints, rings
lines, collects dialed digits and bridges calls through a small built-in
switchboard.

Settings come from flags or MGCPD_* environment variables:
  MGCPD_CONFIG        path to mgcp.conf
  MGCPD_METRICS_ADDR  address of the Prometheus /metrics listener
  MGCPD_PCAP          capture sent and received MGCP datagrams to a pcap file`,
	SilenceUsage: true,
}

// Execute запускает корневую команду
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to mgcp.conf")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(endpointsCmd)
}

func initConfig() {
	viper.SetEnvPrefix("mgcpd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
