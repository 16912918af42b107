package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	statsAddr string
	statsPath string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Dump queue/flow-map/L7 counters from a running agent's metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		counters, err := fetchCounters(statsAddr, statsPath)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(counters, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsAddr, "addr", "http://127.0.0.1:9091", "agent metrics server base URL")
	statsCmd.Flags().StringVar(&statsPath, "path", "/metrics", "metrics endpoint path")
	rootCmd.AddCommand(statsCmd)
}

// relevantPrefixes lists the metric families this command surfaces — the
// queue/flow-map/L7 counters internal/metrics registers for the flow engine,
// as opposed to the broader capture/pipeline/reporter metrics the full
// daemon also exposes.
var relevantPrefixes = []string{
	"capture_agent_queue_",
	"capture_agent_flow_map_",
	"capture_agent_l7_",
}

// fetchCounters scrapes a Prometheus text-exposition endpoint and extracts
// the sample values for metric families under relevantPrefixes. It only
// understands the single-line `name{labels} value` format promhttp emits
// for counters and gauges, which is all internal/metrics registers here.
func fetchCounters(addr, path string) (map[string]float64, error) {
	resp, err := http.Get(strings.TrimRight(addr, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metrics: unexpected status %s", resp.Status)
	}

	out := make(map[string]float64)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !hasAnyPrefix(line, relevantPrefixes) {
			continue
		}

		sp := strings.LastIndex(line, " ")
		if sp < 0 {
			continue
		}
		name, valueStr := line[:sp], line[sp+1:]
		value, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			continue
		}
		out[name] = value
	}
	return out, scanner.Err()
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
