package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arzzra/mgcp_agent/pkg/config"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "List configured gateways and endpoints",
	Long: `Parse the configuration file and print every endpoint with the
settings it inherits from its gateway and [general]. Nothing is sent to the
gateways.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := viper.GetString("config")
		cfg, dropped, err := loadConfig(path)
		if err != nil {
			return err
		}
		if dropped != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", dropped)
		}
		return printEndpoints(cmd.OutOrStdout(), cfg)
	},
}

func printEndpoints(out io.Writer, cfg *config.Config) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tGATEWAY\tTYPE\tCONTEXT\tDTMF\tCODECS\tCALLERID")
	for _, gw := range cfg.Gateways {
		addr := "dynamic"
		if gw.Addr != nil {
			addr = gw.Addr.String()
		}
		for _, ep := range gw.Endpoints {
			fmt.Fprintf(w, "%s@%s\t%s\t%s\t%s\t%s\t%s\t%s <%s>\n",
				ep.Name, gw.Name, addr, ep.Type, ep.Context, ep.DTMFMode, ep.Codecs, ep.CallerIDName, ep.CallerIDNum)
		}
	}
	return w.Flush()
}
