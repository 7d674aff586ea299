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

// Command uaf is a command line OPC UA client built on the uaf engine.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile     string
	applicationURI string
	discoveryURLs  []string
	serverURI      string
	endpoint       string
	timeout        time.Duration
	verbose        bool
	output         string
	securityPolicy string
	securityMode   string
	certFile       string
	keyFile        string
	trustDir       string
	username       string
	password       string
)

var rootCmd = &cobra.Command{
	Use:   "uaf",
	Short: "OPC UA command line client",
	Long: `A command line interface for OPC UA servers.

Servers are addressed by application URI and located through the discovery
URLs, or reached directly with --endpoint.

Examples:
  uaf discover -d opc.tcp://localhost:4840
  uaf read -d opc.tcp://lds:4840 -S urn:plant:line1 -n "ns=2;s=Temperature"
  uaf read -e opc.tcp://localhost:4840 -n "i=85" --path "/2:Demo/2:Value"
  uaf write -e opc.tcp://localhost:4840 -n "ns=2;s=Setpoint" --value 42 -T int32`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Configuration file (YAML, JSON or TOML)")
	pf.StringVar(&applicationURI, "application-uri", "", "Application URI of the client (must match the certificate)")
	pf.StringSliceVarP(&discoveryURLs, "discovery-url", "d", nil, "Discovery URL (can specify multiple)")
	pf.StringVarP(&serverURI, "server", "S", "", "Application URI of the target server")
	pf.StringVarP(&endpoint, "endpoint", "e", "", "Endpoint URL of the target server, used when no server URI is given")
	pf.DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Service call timeout")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVarP(&output, "output", "o", "text", "Output format: text or json")
	pf.StringVarP(&securityPolicy, "security-policy", "s", "None", "Security policy (None, Basic128Rsa15, Basic256, Basic256Sha256, Aes128Sha256RsaOaep, Aes256Sha256RsaPss)")
	pf.StringVarP(&securityMode, "security-mode", "m", "None", "Security mode (None, Sign, SignAndEncrypt)")
	pf.StringVar(&certFile, "cert", "", "Client certificate file (PEM or DER)")
	pf.StringVar(&keyFile, "key", "", "Client private key file (PEM or DER)")
	pf.StringVar(&trustDir, "trust-dir", "", "Directory of trusted server certificates")
	pf.StringVarP(&username, "username", "u", "", "User name")
	pf.StringVarP(&password, "password", "p", "", "Password")

	viper.BindPFlag("application_uri", pf.Lookup("application-uri"))
	viper.BindPFlag("discovery_urls", pf.Lookup("discovery-url"))
	viper.BindPFlag("server", pf.Lookup("server"))
	viper.BindPFlag("endpoint", pf.Lookup("endpoint"))
	viper.BindPFlag("service.call_timeout", pf.Lookup("timeout"))
	viper.BindPFlag("security_policy", pf.Lookup("security-policy"))
	viper.BindPFlag("security_mode", pf.Lookup("security-mode"))
	viper.BindPFlag("certificate_file", pf.Lookup("cert"))
	viper.BindPFlag("private_key_file", pf.Lookup("key"))
	viper.BindPFlag("trust_list_dir", pf.Lookup("trust-dir"))
	viper.BindPFlag("session.username", pf.Lookup("username"))
	viper.BindPFlag("session.password", pf.Lookup("password"))

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(gencertCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.SetEnvPrefix("UAF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if configFile == "" {
		return
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "uaf: read config: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
