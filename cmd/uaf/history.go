// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Read raw history of OPC UA nodes",
	Long: `Read raw historical values of one or more nodes in a time range.

Examples:
  uaf history -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature" --since 1h
  uaf history -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature" --start 2025-01-01T00:00:00Z --end 2025-01-02T00:00:00Z --max 100`,
	RunE: runHistory,
}

var (
	historyNodeIDs []string
	historyPath    string
	historySince   time.Duration
	historyStart   string
	historyEnd     string
	historyMax     uint32
	historyBounds  bool
)

func init() {
	historyCmd.Flags().StringArrayVarP(&historyNodeIDs, "node", "n", nil, "Node ID(s) to read (can specify multiple)")
	historyCmd.Flags().StringVar(&historyPath, "path", "", "Relative path from each node")
	historyCmd.Flags().DurationVar(&historySince, "since", time.Hour, "Read values newer than this duration, used when --start is not given")
	historyCmd.Flags().StringVar(&historyStart, "start", "", "Start time (RFC 3339)")
	historyCmd.Flags().StringVar(&historyEnd, "end", "", "End time (RFC 3339, default now)")
	historyCmd.Flags().Uint32Var(&historyMax, "max", 0, "Maximum values per node and call (0 = server decides)")
	historyCmd.Flags().BoolVar(&historyBounds, "bounds", false, "Return bounding values")
	historyCmd.MarkFlagRequired("node")
}

func runHistory(cmd *cobra.Command, args []string) error {
	end := time.Now()
	if historyEnd != "" {
		t, err := time.Parse(time.RFC3339, historyEnd)
		if err != nil {
			return fmt.Errorf("invalid end time: %w", err)
		}
		end = t
	}
	start := end.Add(-historySince)
	if historyStart != "" {
		t, err := time.Parse(time.RFC3339, historyStart)
		if err != nil {
			return fmt.Errorf("invalid start time: %w", err)
		}
		start = t
	}
	addrs, err := targetAddresses(historyNodeIDs, historyPath)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer closeClient(client)

	ctx, cancel := commandContext()
	defer cancel()

	req := &uaf.HistoryReadRawRequest{
		Targets:          make([]uaf.HistoryReadTarget, len(addrs)),
		StartTime:        start,
		EndTime:          end,
		NumValuesPerNode: historyMax,
		ReturnBounds:     historyBounds,
	}
	for i, a := range addrs {
		req.Targets[i] = uaf.HistoryReadTarget{Address: a}
	}
	res, err := client.HistoryReadRaw(ctx, req)
	if err != nil {
		return fmt.Errorf("history read failed: %w", err)
	}

	for i, t := range res.Targets {
		fmt.Printf("Node: %s\n", historyNodeIDs[i])
		if t.Err != nil {
			fmt.Printf("  Error: %v\n\n", t.Err)
			continue
		}
		fmt.Printf("  Status: %s\n", t.Status)
		fmt.Printf("  Values: %d\n", len(t.Values))
		for _, v := range t.Values {
			fmt.Printf("  %s  %-20s  %s\n", formatTime(v.SourceTimestamp), formatValue(v.Value), v.Status)
		}
		if len(t.ContinuationPoint) > 0 {
			fmt.Printf("  (more values available)\n")
		}
		fmt.Println()
	}
	return nil
}
