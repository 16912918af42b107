// Command otuscore is thin operator tooling around the flow/L7 core: a
// `stats` subcommand that scrapes the running agent's Prometheus endpoint
// for queue/flow-map/L7 counters, and a `replay` subcommand that drives a
// pcap file through the same Lookup -> Worker.Process pipeline the live
// capture path uses, for local testing without a real NIC or Kafka broker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "otuscore",
	Short: "Operator tooling for the Otus flow/L7 core",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
