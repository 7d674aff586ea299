package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := uaf.GetVersion()
		fmt.Printf("uaf version %s (%s %s/%s)\n", info.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
