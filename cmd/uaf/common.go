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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/edgeo-scada/uaf"
	"github.com/edgeo-scada/uaf/ua"
)

// loadSettings builds the client settings from the configuration file,
// the environment and the command line flags.
func loadSettings() (uaf.ClientSettings, error) {
	s := uaf.DefaultClientSettings()
	if err := viper.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("invalid configuration: %w", err)
	}

	policy, err := ua.ParseSecurityPolicy(viper.GetString("security_policy"))
	if err != nil {
		return s, err
	}
	mode, err := ua.ParseMessageSecurityMode(viper.GetString("security_mode"))
	if err != nil {
		return s, err
	}
	s.Session.SecurityPolicy = policy
	s.Session.SecurityMode = mode

	if mode != ua.MessageSecurityModeNone && policy == ua.SecurityPolicyNone {
		return s, fmt.Errorf("security mode %s requires a security policy other than None", mode)
	}
	if mode != ua.MessageSecurityModeNone && s.CertificateFile == "" {
		return s, fmt.Errorf("security mode %s requires a client certificate (use --cert and --key)", mode)
	}
	if (s.CertificateFile == "") != (s.PrivateKeyFile == "") {
		return s, fmt.Errorf("both --cert and --key must be specified together")
	}
	return s, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newClient creates a client from the current configuration.
func newClient() (*uaf.Client, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return uaf.NewClient(uaf.WithSettings(s), uaf.WithLogger(newLogger()))
}

// commandContext bounds a one-shot command: discovery, connection and the
// service call itself. It is cancelled on SIGINT and SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, 3*timeout+uaf.DefaultConnectTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func closeClient(c *uaf.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Close(ctx)
}

// defaultServer returns the server used for node ids without a server URI.
// An endpoint URL is accepted as server URI when discovery does not know
// the server.
func defaultServer() string {
	if s := viper.GetString("server"); s != "" {
		return s
	}
	return viper.GetString("endpoint")
}

// targetAddress builds an address from a node id and an optional relative
// path such as "/2:Demo/2:Value".
func targetAddress(node, path string) (uaf.Address, error) {
	id, err := ua.ParseExpandedNodeID(node)
	if err != nil {
		return uaf.Address{}, err
	}
	if id.ServerURI == "" && id.ServerIndex == 0 {
		id.ServerURI = defaultServer()
	}
	if id.ServerURI == "" {
		return uaf.Address{}, fmt.Errorf("no server for %s (use --server, --endpoint or svu=)", node)
	}
	addr := uaf.NewAddress(id)
	if path == "" {
		return addr, nil
	}
	elems, err := uaf.ParseRelativePath(path)
	if err != nil {
		return uaf.Address{}, err
	}
	return uaf.NewRelativeAddress(addr, elems...), nil
}

func targetAddresses(nodes []string, path string) ([]uaf.Address, error) {
	addrs := make([]uaf.Address, 0, len(nodes))
	for _, n := range nodes {
		a, err := targetAddress(n, path)
		if err != nil {
			return nil, fmt.Errorf("invalid node ID %q: %w", n, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

func jsonOutput() bool {
	return strings.EqualFold(output, "json")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatValue(v *ua.Variant) string {
	if v == nil {
		return "<null>"
	}
	return v.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339Nano)
}

func parseValue(value, typeName string) (*ua.Variant, error) {
	if typeName == "" || typeName == "auto" {
		typeName = detectType(value)
	}

	switch strings.ToLower(typeName) {
	case "bool", "boolean":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeBoolean, Value: v}, nil

	case "sbyte", "int8":
		v, err := strconv.ParseInt(value, 10, 8)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeSByte, Value: int8(v)}, nil

	case "byte", "uint8":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeByte, Value: uint8(v)}, nil

	case "int16":
		v, err := strconv.ParseInt(value, 10, 16)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeInt16, Value: int16(v)}, nil

	case "uint16":
		v, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeUInt16, Value: uint16(v)}, nil

	case "int32", "int":
		v, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeInt32, Value: int32(v)}, nil

	case "uint32", "uint":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeUInt32, Value: uint32(v)}, nil

	case "int64":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeInt64, Value: v}, nil

	case "uint64":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeUInt64, Value: v}, nil

	case "float", "float32":
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeFloat, Value: float32(v)}, nil

	case "double", "float64":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeDouble, Value: v}, nil

	case "string":
		return &ua.Variant{Type: ua.TypeString, Value: value}, nil

	case "datetime":
		v, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, err
		}
		return &ua.Variant{Type: ua.TypeDateTime, Value: v}, nil

	default:
		return nil, fmt.Errorf("unknown type: %s", typeName)
	}
}

func detectType(value string) string {
	if value == "true" || value == "false" {
		return "bool"
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return "int64"
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return "double"
	}
	return "string"
}
