// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package query

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Step is one stage of an execution plan
type Step struct {
	Name    string
	Details []string
}

// Plan describes how a request runs against one snapshot
type Plan struct {
	Strategy string
	Version  uint64
	Steps    []Step
}

func (p *Plan) add(name string, details ...string) {
	p.Steps = append(p.Steps, Step{Name: name, Details: details})
}

// Render formats the plan as an indented tree. Details are only shown when
// verbose is set.
func (p *Plan) Render(verbose bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (version %d)\n", p.Strategy, p.Version)
	for i, s := range p.Steps {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, s.Name)
		if !verbose {
			continue
		}
		for _, d := range s.Details {
			fmt.Fprintf(&sb, "       %s\n", d)
		}
	}
	return sb.String()
}

// execMetrics are the counters reported by AnalyzePlan
type execMetrics struct {
	fragmentsScanned atomic.Int64
	rowsScanned      atomic.Int64
	indexSearches    atomic.Int64
	candidates       atomic.Int64
	rowsReturned     atomic.Int64
	batches          atomic.Int64
}

func (m *execMetrics) render(elapsed time.Duration) string {
	var sb strings.Builder
	sb.WriteString("metrics:\n")
	fmt.Fprintf(&sb, "  fragments_scanned=%d\n", m.fragmentsScanned.Load())
	fmt.Fprintf(&sb, "  rows_scanned=%d\n", m.rowsScanned.Load())
	fmt.Fprintf(&sb, "  index_searches=%d\n", m.indexSearches.Load())
	fmt.Fprintf(&sb, "  ranked_candidates=%d\n", m.candidates.Load())
	fmt.Fprintf(&sb, "  output_batches=%d\n", m.batches.Load())
	fmt.Fprintf(&sb, "  output_rows=%d\n", m.rowsReturned.Load())
	fmt.Fprintf(&sb, "  elapsed=%s\n", elapsed)
	return sb.String()
}

func fragmentList(ids []uint32) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
