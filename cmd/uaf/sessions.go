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
	"github.com/spf13/viper"

	"github.com/edgeo-scada/uaf"
	"github.com/edgeo-scada/uaf/ua"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [server-uri...]",
	Short: "Open sessions and show their state",
	Long: `Open a session to each server, wait until it is connected and print the
session information together with the server state.

Examples:
  uaf sessions -e opc.tcp://localhost:4840
  uaf sessions -d opc.tcp://lds:4840 urn:plant:line1 urn:plant:line2
  uaf sessions -e opc.tcp://localhost:4840 -s Basic256Sha256 -m SignAndEncrypt --cert client.pem --key client.key --metrics`,
	RunE: runSessions,
}

var sessionsMetrics bool

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsMetrics, "metrics", false, "Print client metrics after connecting")
}

func runSessions(cmd *cobra.Command, args []string) error {
	servers := args
	if len(servers) == 0 {
		if s := defaultServer(); s != "" {
			servers = []string{s}
		}
	}
	if len(servers) == 0 {
		return fmt.Errorf("no server (use --server, --endpoint or arguments)")
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer closeClient(client)

	ctx, cancel := commandContext()
	defer cancel()

	connected := make(chan uaf.ConnectionID, len(servers))
	client.OnConnectionStatusChange(uaf.NotificationFilter{}, uaf.ExternalSink(func(n uaf.ConnectionStatusChange) {
		if n.Current == uaf.StateConnected {
			select {
			case connected <- n.ConnectionID:
			default:
			}
		}
	}))

	ids := make([]uaf.ConnectionID, 0, len(servers))
	pending := make(map[uaf.ConnectionID]bool)
	for _, s := range servers {
		var id uaf.ConnectionID
		if s == viper.GetString("endpoint") && viper.GetString("server") == "" {
			id, err = client.ManuallyConnectToEndpoint(ctx, s, nil)
		} else {
			id, err = client.ManuallyConnect(ctx, s, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", s, err)
		}
		ids = append(ids, id)
		if info, err := client.SessionInformation(id); err == nil && info.State != uaf.StateConnected {
			pending[id] = true
		}
	}

wait:
	for len(pending) > 0 {
		select {
		case id := <-connected:
			delete(pending, id)
		case <-time.After(timeout):
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	for i, id := range ids {
		info, err := client.SessionInformation(id)
		if err != nil {
			return err
		}
		printSession(info)
		if info.State == uaf.StateConnected {
			printServerState(client, servers[i])
		}
		fmt.Println()
	}

	if sessionsMetrics {
		return printJSON(client.Metrics().Collect())
	}
	return nil
}

func printSession(info uaf.SessionInformation) {
	fmt.Printf("Session %d\n", info.ConnectionID)
	fmt.Printf("  Server:         %s\n", info.ServerURI)
	if info.EndpointURL != "" {
		fmt.Printf("  Endpoint:       %s\n", info.EndpointURL)
	}
	fmt.Printf("  State:          %s\n", info.State)
	if info.SecurityPolicy != "" {
		fmt.Printf("  Security:       %s / %s\n", info.SecurityPolicy.ShortName(), info.SecurityMode)
	}
	if info.Settings.Username != "" {
		fmt.Printf("  User:           %s\n", info.Settings.Username)
	}
	if !info.ConnectedSince.IsZero() {
		fmt.Printf("  Connected since %s\n", formatTime(info.ConnectedSince))
	}
	fmt.Printf("  Last attempt:   %s\n", info.LastConnectionAttemptStatus)
	if info.LastError != nil {
		fmt.Printf("  Last error:     %v\n", info.LastError)
	}
}

func printServerState(c *uaf.Client, server string) {
	ctx, cancel := commandContext()
	defer cancel()

	res, err := c.Read(ctx, &uaf.ReadRequest{
		Targets: []uaf.ReadTarget{
			{Address: uaf.NewNodeAddress(server, ua.ServerStatusStateNode)},
			{Address: uaf.NewNodeAddress(server, ua.NamespaceArrayNode)},
		},
	})
	if err != nil {
		fmt.Printf("  Server state:   %v\n", err)
		return
	}
	if v := res.Targets[0].Value.Value; v != nil {
		if s, ok := v.Value.(int32); ok {
			fmt.Printf("  Server state:   %s\n", serverStateName(uaf.ServerState(s)))
		}
	}
	if v := res.Targets[1].Value.Value; v != nil {
		if ns, ok := v.Value.([]string); ok {
			fmt.Printf("  Namespaces:\n")
			for i, uri := range ns {
				fmt.Printf("    [%d] %s\n", i, uri)
			}
		}
	}
}

func serverStateName(s uaf.ServerState) string {
	switch s {
	case uaf.ServerStateRunning:
		return "Running"
	case uaf.ServerStateFailed:
		return "Failed"
	case uaf.ServerStateNoConfiguration:
		return "NoConfiguration"
	case uaf.ServerStateSuspended:
		return "Suspended"
	case uaf.ServerStateShutdown:
		return "Shutdown"
	case uaf.ServerStateTest:
		return "Test"
	case uaf.ServerStateCommunicationFault:
		return "CommunicationFault"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}
