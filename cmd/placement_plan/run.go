// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/gomlx/placement/backends"
	"github.com/gomlx/placement/backends/simplego"
	"github.com/gomlx/placement/pkg/core/arrays"
	"github.com/gomlx/placement/pkg/core/dispatch"
	"github.com/gomlx/placement/pkg/core/placement"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// StepReport is what happened in one step of a plan, as seen by one process.
type StepReport struct {
	Step     *StepPlan
	Source   placement.Placement // nil for values in host memory.
	Target   placement.Placement
	Copy     backends.CopySemantics
	Transfer dispatch.TransferKind
	Bytes    uint64
	Calls    simplego.Counters
	Result   *arrays.Array
}

// ProcessReport holds the steps run by one process, and the arrays it created.
type ProcessReport struct {
	Process int
	Steps   []*StepReport
	arrays  []*arrays.Array
}

// Close deletes the arrays created by the process.
func (r *ProcessReport) Close() {
	for _, a := range r.arrays {
		if err := a.Delete(); err != nil {
			klog.Warningf("failed to delete %s: %+v", a, err)
		}
	}
	r.arrays = nil
}

// shutdown waits for the pending computations of the run, and then frees the results and the cluster.
func shutdown(cluster *simplego.Cluster, reports []*ProcessReport) {
	if err := dispatch.DrainOnExit(); err != nil {
		klog.Errorf("Pending computations failed: %+v", err)
	}
	for _, r := range reports {
		r.Close()
	}
	cluster.Finalize()
}

// Run executes the plan in every process of a new simulated cluster, and returns the report of each process.
// The cluster should be finalized after the reports are used.
func Run(plan *Plan, config *dispatch.Config) ([]*ProcessReport, *simplego.Cluster, error) {
	cluster, err := simplego.NewCluster(plan.clusterConfig())
	if err != nil {
		return nil, nil, err
	}
	targets := make(map[string]placement.Placement, len(plan.Targets))
	for name, t := range plan.Targets {
		targets[name], err = t.Build(cluster.Devices())
		if err != nil {
			cluster.Finalize()
			return nil, nil, errors.WithMessagef(err, "target %q", name)
		}
	}

	processes := cluster.Backends()
	reports := make([]*ProcessReport, len(processes))
	var g errgroup.Group
	for process, backend := range processes {
		reports[process] = &ProcessReport{Process: process}
		g.Go(func() error {
			engine := dispatch.NewEngine(backend, config)
			if err := reports[process].run(plan, engine, backend, targets); err != nil {
				return errors.WithMessagef(err, "process %d", process)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range reports {
			r.Close()
		}
		cluster.Finalize()
		return nil, nil, err
	}
	return reports, cluster, nil
}

func (r *ProcessReport) run(plan *Plan, engine *dispatch.Engine, backend *simplego.Backend,
	targets map[string]placement.Placement) error {
	values := make(map[string]any, len(plan.Values)+len(plan.Steps))
	for _, v := range plan.Values {
		host, err := v.Host()
		if err != nil {
			return err
		}
		values[v.Name] = host
	}
	for i, step := range plan.Steps {
		source := values[step.Value]
		copySemantics, err := backends.ParseCopySemantics(step.Copy)
		if err != nil {
			return err
		}
		aval, err := arrays.Abstractify(source)
		if err != nil {
			return errors.WithMessagef(err, "step #%d (%s)", i, step.Name)
		}
		report := &StepReport{
			Step:   step,
			Target: targets[step.Target],
			Copy:   copySemantics,
			Bytes:  uint64(aval.Memory()),
		}
		var committed bool
		if a, ok := source.(*arrays.Array); ok {
			report.Source, committed = a.Placement(), a.Committed()
		}
		report.Transfer, err = engine.ClassifyTransfer(report.Source, committed, report.Target, aval.Rank(), copySemantics)
		if err != nil {
			return errors.WithMessagef(err, "step #%d (%s)", i, step.Name)
		}

		before := backend.Counters()
		report.Result, err = engine.Put(source, report.Target, copySemantics)
		if err != nil {
			return errors.WithMessagef(err, "step #%d (%s)", i, step.Name)
		}
		report.Calls = countersDelta(backend.Counters(), before)
		r.arrays = append(r.arrays, report.Result)
		r.Steps = append(r.Steps, report)
		values[step.Name] = report.Result
		klog.V(1).Infof("process %d step #%d (%s): %s in %s", r.Process, i, step.Name, report.Transfer,
			formatCalls(report.Calls))
	}
	return nil
}

func countersDelta(after, before simplego.Counters) simplego.Counters {
	return simplego.Counters{
		BatchedTransfers:  after.BatchedTransfers - before.BatchedTransfers,
		TransferRequests:  after.TransferRequests - before.TransferRequests,
		Reorders:          after.Reorders - before.Reorders,
		CrossHostCopies:   after.CrossHostCopies - before.CrossHostCopies,
		Compilations:      after.Compilations - before.Compilations,
		Executions:        after.Executions - before.Executions,
		ConsistencyChecks: after.ConsistencyChecks - before.ConsistencyChecks,
	}
}

// formatCalls lists the non-zero backend calls, or "-".
func formatCalls(c simplego.Counters) string {
	var parts []string
	for _, call := range []struct {
		name  string
		count int64
	}{
		{"transfer", c.BatchedTransfers},
		{"reorder", c.Reorders},
		{"cross-host", c.CrossHostCopies},
		{"compile", c.Compilations},
		{"execute", c.Executions},
		{"check", c.ConsistencyChecks},
	} {
		if call.count > 0 {
			parts = append(parts, fmt.Sprintf("%s×%d", call.name, call.count))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
