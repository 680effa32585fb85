package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/makerdiary/power-profiler/pkg/probe"
)

func listPorts(cmd *cobra.Command, args []string) error {
	ports, err := probe.Ports(enumerator.GetDetailedPortsList)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}

	for _, p := range ports {
		mark := " "
		if p.IsProbe {
			mark = "*"
		}
		id := "----:----"
		if p.VID != "" {
			id = p.VID + ":" + p.PID
		}
		fmt.Fprintf(out, "%s %-24s %s  %s\n", mark, p.Name, id, p.Description)
	}
	return nil
}
