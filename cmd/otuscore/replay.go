package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/l7"
	"firestige.xyz/otus/internal/l7/registry"
)

var replayFile string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed a pcap file through the flow-map/L7-parser pipeline and print resulting send logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(replayFile, cmd.OutOrStdout())
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "pcap file to replay (required)")
	replayCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(path string, out interface{ Write([]byte) (int, error) }) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open pcap: %w", err)
	}
	defer f.Close()

	handle, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("open pcap: %w", err)
	}

	fm := flow.NewMap(16, 1<<20, flow.MatchOptions{}, flow.AgentTypeUnknown)
	worker := l7.NewWorker(registry.Candidates(registry.DefaultConfig()), time.Minute)

	var flowSeq uint64
	for {
		data, ci, err := handle.ReadPacketData()
		if err != nil {
			break // EOF or truncated trailer; either way replay is done
		}

		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		lk, ok := flow.BuildLookupKey(flow.TapTypeTor, flow.TapPort(0), pkt)
		if !ok {
			continue
		}

		mp := &flow.MetaPacket{
			Timestamp: ci.Timestamp,
			Lookup:    lk,
			Payload:   transportPayload(pkt),
		}
		node, created := fm.Lookup(mp)
		if created {
			flowSeq++
		}

		if len(mp.Payload) == 0 {
			continue
		}
		for _, sl := range worker.Process(node, flowSeq, mp.Payload, mp.Direction == flow.DirectionClientToServer) {
			line, err := json.Marshal(sl)
			if err != nil {
				continue
			}
			out.Write(append(line, '\n'))
		}
	}

	return nil
}

func transportPayload(pkt gopacket.Packet) []byte {
	if app := pkt.ApplicationLayer(); app != nil {
		return app.Payload()
	}
	return nil
}
