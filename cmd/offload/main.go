// Command offload consolidates the pending labeling corrections of a
// project into a session and exports fresh training snapshots.
package main

import (
	"flag"

	"github.com/golang/glog"
)

func main() {
	_ = flag.Set("logtostderr", "true")

	cmd := newRootCmd()
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := cmd.Execute(); err != nil {
		glog.Exitf("offload: %v", err)
	}
}
