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
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
	"github.com/edgeo-scada/uaf/ua"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Call a method on an OPC UA server",
	Long: `Call a method of an object node. Input arguments are given as value or
value:type and are passed in order.

Examples:
  uaf call -e opc.tcp://localhost:4840 -O "ns=2;s=Pump" -M "ns=2;s=Pump.Start"
  uaf call -e opc.tcp://localhost:4840 -O "ns=2;s=Demo" -M "ns=2;s=Demo.Add" -i 2:int32 -i 3:int32
  uaf call -e opc.tcp://localhost:4840 -O "i=85" --object-path "/2:Demo" -M "i=85" --method-path "/2:Demo/2:Add" -i 1.5`,
	RunE: runCall,
}

var (
	callObjectID   string
	callObjectPath string
	callMethodID   string
	callMethodPath string
	callInputs     []string
)

func init() {
	callCmd.Flags().StringVarP(&callObjectID, "object", "O", "", "Node ID of the object")
	callCmd.Flags().StringVar(&callObjectPath, "object-path", "", "Relative path from the object node")
	callCmd.Flags().StringVarP(&callMethodID, "method", "M", "", "Node ID of the method")
	callCmd.Flags().StringVar(&callMethodPath, "method-path", "", "Relative path from the method node")
	callCmd.Flags().StringArrayVarP(&callInputs, "input", "i", nil, "Input argument as value or value:type (can specify multiple)")
	callCmd.MarkFlagRequired("object")
	callCmd.MarkFlagRequired("method")
}

func parseArgument(s string) (*ua.Variant, error) {
	if i := strings.LastIndex(s, ":"); i > 0 {
		if v, err := parseValue(s[:i], s[i+1:]); err == nil {
			return v, nil
		}
	}
	return parseValue(s, "auto")
}

func runCall(cmd *cobra.Command, args []string) error {
	object, err := targetAddress(callObjectID, callObjectPath)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}
	method, err := targetAddress(callMethodID, callMethodPath)
	if err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	inputs := make([]*ua.Variant, len(callInputs))
	for i, in := range callInputs {
		if inputs[i], err = parseArgument(in); err != nil {
			return fmt.Errorf("invalid input %q: %w", in, err)
		}
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer closeClient(client)

	ctx, cancel := commandContext()
	defer cancel()

	res, err := client.Call(ctx, &uaf.MethodCallRequest{
		Targets: []uaf.MethodCallTarget{{Object: object, Method: method, InputArguments: inputs}},
	})
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}

	t := res.Targets[0]
	if t.Err != nil {
		return fmt.Errorf("call failed: %w", t.Err)
	}
	fmt.Printf("Method: %s on %s\n", t.Method.NodeID, t.Object.NodeID)
	fmt.Printf("Status: %s\n", t.Status)
	for i, s := range t.InputArgumentResults {
		if s.IsBad() {
			fmt.Printf("  Input[%d]: %s\n", i, s)
		}
	}
	for i, out := range t.OutputArguments {
		fmt.Printf("  Output[%d]: %s\n", i, formatValue(out))
	}
	if t.Status.IsBad() {
		return fmt.Errorf("call failed: %s", t.Status)
	}
	return nil
}
