// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// placement_plan runs a TOML plan of placements on a simulated cluster, and reports how each one was resolved:
// the kind of transfer, and the backend calls it took.
//
// Usage:
//
//	placement_plan [-config=dispatch.toml] [-process=0] [-values] plan.toml
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/placement/pkg/core/dispatch"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "TOML file with the dispatch engine configuration. "+
		"It takes precedence over the [engine] section of the plan.")
	flagProcess = flag.Int("process", 0, "Process whose report is displayed.")
	flagValues  = flag.Bool("values", false, "Display the contents of the results addressable by the process.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one plan file. See 'placement_plan -help'.")
		os.Exit(1)
	}
	plan := must.M1(LoadPlan(args[0]))
	if err := report(plan); err != nil {
		klog.Errorf("Failed to run plan %q: %+v", args[0], err)
		os.Exit(1)
	}
}

// engineConfig returns the configuration of the plan, overridden by the -config file and the environment.
func engineConfig(plan *Plan) (*dispatch.Config, error) {
	if *flagConfig != "" {
		return dispatch.LoadConfig(*flagConfig)
	}
	config := plan.Engine
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return &config, nil
}

func report(plan *Plan) error {
	config, err := engineConfig(plan)
	if err != nil {
		return err
	}
	reports, cluster, err := Run(plan, config)
	if err != nil {
		return err
	}
	defer shutdown(cluster, reports)
	if *flagProcess < 0 || *flagProcess >= len(reports) {
		return errors.Errorf("-process=%d out of range, the plan has %d processes", *flagProcess, len(reports))
	}
	r := reports[*flagProcess]
	fmt.Println(titleStyle.Render(fmt.Sprintf("Steps (process %d of %d)", r.Process, len(reports))))
	fmt.Println(stepsTable(r).Render())
	if *flagValues {
		fmt.Println(titleStyle.Render("Values"))
		fmt.Println(valuesTable(r).Render())
	}
	return nil
}

func stepsTable(r *ProcessReport) *lgtable.Table {
	table := newPlainTable(lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left,
		lipgloss.Left, lipgloss.Right, lipgloss.Left)
	table.Headers("#", "Result", "From", "To", "Copy", "Transfer", "Bytes", "Backend calls")
	for i, step := range r.Steps {
		from := "host"
		if step.Source != nil {
			from = fmt.Sprint(step.Source)
		}
		to := "default"
		if step.Target != nil {
			to = fmt.Sprint(step.Target)
		}
		table.Row(humanize.Comma(int64(i)), step.Step.Name, from, to, step.Copy.String(), step.Transfer.String(),
			humanize.Bytes(step.Bytes), formatCalls(step.Calls))
	}
	return table
}

func valuesTable(r *ProcessReport) *lgtable.Table {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left)
	table.Headers("Result", "Value", "Committed", "Contents")
	for _, step := range r.Steps {
		a := step.Result
		contents := "<not addressable>"
		switch {
		case a.IsDonated():
			contents = "<donated>"
		case a.IsDeleted():
			contents = "<deleted>"
		case a.IsFullyAddressable():
			if host, err := a.ToHost(); err != nil {
				contents = fmt.Sprintf("<error: %v>", err)
			} else {
				contents = strings.ReplaceAll(fmt.Sprint(host), "\n", " ")
			}
		}
		table.Row(step.Step.Name, a.Aval().String(), fmt.Sprint(a.Committed()), contents)
	}
	return table
}
