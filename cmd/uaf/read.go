package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
	"github.com/edgeo-scada/uaf/ua"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read attributes of OPC UA nodes",
	Long: `Read attribute values from OPC UA nodes. Nodes on different servers are
read in parallel.

Examples:
  uaf read -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  uaf read -d opc.tcp://lds:4840 -n "svu=urn:plant:line1;ns=2;s=Temperature" -n "svu=urn:plant:line2;ns=2;s=Temperature"
  uaf read -e opc.tcp://localhost:4840 -n "i=85" --path "/2:Demo/2:Value"
  uaf read -e opc.tcp://localhost:4840 -n "i=2253" -a BrowseName`,
	RunE: runRead,
}

var (
	readNodeIDs   []string
	readAttribute string
	readPath      string
)

func init() {
	readCmd.Flags().StringArrayVarP(&readNodeIDs, "node", "n", nil, "Node ID(s) to read (can specify multiple)")
	readCmd.Flags().StringVarP(&readAttribute, "attribute", "a", "Value", "Attribute to read: NodeId, NodeClass, BrowseName, DisplayName, Value, DataType, etc.")
	readCmd.Flags().StringVar(&readPath, "path", "", "Relative path from each node, e.g. /2:Demo/2:Value")
	readCmd.MarkFlagRequired("node")
}

type readOutput struct {
	Server          string `json:"server"`
	Node            string `json:"node"`
	Value           any    `json:"value,omitempty"`
	Type            string `json:"type,omitempty"`
	SourceTimestamp string `json:"source_timestamp,omitempty"`
	ServerTimestamp string `json:"server_timestamp,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

func runRead(cmd *cobra.Command, args []string) error {
	attrID, err := ua.ParseAttributeID(readAttribute)
	if err != nil {
		return err
	}
	addrs, err := targetAddresses(readNodeIDs, readPath)
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

	req := &uaf.ReadRequest{Targets: make([]uaf.ReadTarget, len(addrs))}
	for i, a := range addrs {
		req.Targets[i] = uaf.ReadTarget{Address: a, AttributeID: attrID}
	}
	res, err := client.Read(ctx, req)
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}

	if jsonOutput() {
		out := make([]readOutput, len(res.Targets))
		for i, t := range res.Targets {
			out[i] = readOutput{Server: t.ServerURI, Node: readNodeIDs[i], Status: t.Status.String()}
			if t.Err != nil {
				out[i].Error = t.Err.Error()
				continue
			}
			if v := t.Value.Value; v != nil {
				out[i].Value = v.Value
				out[i].Type = v.Type.String()
			}
			if !t.Value.SourceTimestamp.IsZero() {
				out[i].SourceTimestamp = formatTime(t.Value.SourceTimestamp)
			}
			if !t.Value.ServerTimestamp.IsZero() {
				out[i].ServerTimestamp = formatTime(t.Value.ServerTimestamp)
			}
		}
		return printJSON(out)
	}

	for i, t := range res.Targets {
		fmt.Printf("Node: %s\n", readNodeIDs[i])
		if t.ServerURI != "" {
			fmt.Printf("  Server: %s\n", t.ServerURI)
			fmt.Printf("  Resolved: %s\n", t.NodeID)
		}
		fmt.Printf("  Attribute: %s\n", attrID)
		if t.Err != nil {
			fmt.Printf("  Error: %v\n", t.Err)
		} else if !t.Status.IsBad() {
			fmt.Printf("  Value: %s\n", formatValue(t.Value.Value))
			if t.Value.Value != nil {
				fmt.Printf("  Type: %s\n", t.Value.Value.Type)
			}
			if !t.Value.SourceTimestamp.IsZero() {
				fmt.Printf("  SourceTimestamp: %s\n", formatTime(t.Value.SourceTimestamp))
			}
			if !t.Value.ServerTimestamp.IsZero() {
				fmt.Printf("  ServerTimestamp: %s\n", formatTime(t.Value.ServerTimestamp))
			}
		}
		fmt.Printf("  Status: %s\n", t.Status)
		fmt.Println()
	}
	return nil
}
