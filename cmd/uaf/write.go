package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
	"github.com/edgeo-scada/uaf/ua"
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a value to an OPC UA node",
	Long: `Write a value to the Value attribute of an OPC UA node.

Supported types: bool, sbyte, byte, int16, uint16, int32, uint32, int64,
uint64, float, double, string, datetime. The type is detected from the
value when omitted.

Examples:
  uaf write -e opc.tcp://localhost:4840 -n "ns=2;s=Setpoint" -V 42 -T int32
  uaf write -d opc.tcp://lds:4840 -S urn:plant:line1 -n "ns=2;s=Enabled" -V true
  uaf write -e opc.tcp://localhost:4840 -n "i=85" --path "/2:Demo/2:Name" -V "pump 1"`,
	RunE: runWrite,
}

var (
	writeNodeID string
	writeValue  string
	writeType   string
	writePath   string
	writeRange  string
)

func init() {
	writeCmd.Flags().StringVarP(&writeNodeID, "node", "n", "", "Node ID to write")
	writeCmd.Flags().StringVarP(&writeValue, "value", "V", "", "Value to write")
	writeCmd.Flags().StringVarP(&writeType, "type", "T", "auto", "Value type")
	writeCmd.Flags().StringVar(&writePath, "path", "", "Relative path from the node")
	writeCmd.Flags().StringVar(&writeRange, "index-range", "", "Index range of an array value")
	writeCmd.MarkFlagRequired("node")
	writeCmd.MarkFlagRequired("value")
}

func runWrite(cmd *cobra.Command, args []string) error {
	addr, err := targetAddress(writeNodeID, writePath)
	if err != nil {
		return fmt.Errorf("invalid node ID %q: %w", writeNodeID, err)
	}
	v, err := parseValue(writeValue, writeType)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer closeClient(client)

	ctx, cancel := commandContext()
	defer cancel()

	res, err := client.Write(ctx, &uaf.WriteRequest{
		Targets: []uaf.WriteTarget{{
			Address:    addr,
			IndexRange: writeRange,
			Value:      ua.DataValue{Value: v, SourceTimestamp: time.Now()},
		}},
	})
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	t := res.Targets[0]
	if t.Err != nil {
		return fmt.Errorf("write failed: %w", t.Err)
	}
	if t.Status.IsBad() {
		return fmt.Errorf("write failed: %s", t.Status)
	}
	fmt.Printf("Write successful: %s = %s (%s)\n", writeNodeID, v, v.Type)
	return nil
}
