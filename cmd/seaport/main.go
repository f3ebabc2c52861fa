// Command seaport runs and talks to a decentralized service registry.
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
)

func main() {
	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// glog reads its settings from the standard flag set; cobra parses them
	// through the persistent flags bound in root.go.
	_ = flag.CommandLine.Parse([]string{})
}
