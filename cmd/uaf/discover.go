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
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/uaf"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover OPC UA servers and their endpoints",
	Long: `Run one discovery pass over the discovery URLs and list the servers
found with their endpoints. The endpoint URL is used as discovery URL when
no --discovery-url is given.

Examples:
  uaf discover -d opc.tcp://localhost:4840
  uaf discover -d opc.tcp://lds1:4840 -d opc.tcp://lds2:4840 -o json`,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if len(s.DiscoveryURLs) == 0 && viper.GetString("endpoint") != "" {
		s.DiscoveryURLs = []string{viper.GetString("endpoint")}
	}
	if len(s.DiscoveryURLs) == 0 {
		return fmt.Errorf("no discovery URL (use --discovery-url or --endpoint)")
	}
	// A single pass is wanted, not the background loop.
	s.DiscoveryInterval = 0

	client, err := uaf.NewClient(uaf.WithSettings(s), uaf.WithLogger(newLogger()))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer closeClient(client)

	ctx, cancel := commandContext()
	defer cancel()

	servers, err := client.FindServersNow(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ServerURI < servers[j].ServerURI })

	if jsonOutput() {
		return printJSON(servers)
	}

	fmt.Printf("OPC UA Discovery Results\n")
	fmt.Printf("========================\n\n")
	for url, err := range client.Discovery().DiscoveryErrors() {
		fmt.Printf("Discovery URL %s failed: %v\n\n", url, err)
	}
	if len(servers) == 0 {
		fmt.Println("No servers found.")
		return nil
	}

	for _, srv := range servers {
		fmt.Printf("Server: %s\n", srv.Application.ApplicationName.Text)
		fmt.Printf("  Application URI: %s\n", srv.ServerURI)
		if srv.Application.ProductURI != "" {
			fmt.Printf("  Product URI:     %s\n", srv.Application.ProductURI)
		}
		fmt.Printf("  Type:            %s\n", srv.Application.ApplicationType)
		for _, u := range srv.Application.DiscoveryURLs {
			fmt.Printf("  Discovery URL:   %s\n", u)
		}
		fmt.Printf("  Endpoints (%d):\n", len(srv.Endpoints))
		for i, ep := range srv.Endpoints {
			fmt.Printf("    [%d] %s\n", i+1, ep.EndpointURL)
			fmt.Printf("        Security: %s / %s (level %d)\n", ep.SecurityPolicyURI.ShortName(), ep.SecurityMode, ep.SecurityLevel)
			for _, tok := range ep.UserIdentityTokens {
				fmt.Printf("        Token:    %s (%s)\n", tok.TokenType, tok.PolicyID)
			}
			if len(ep.ServerCertificate) > 0 {
				fmt.Printf("        Thumbprint: %X\n", uaf.Thumbprint(ep.ServerCertificate))
			}
		}
		fmt.Println()
	}
	return nil
}
