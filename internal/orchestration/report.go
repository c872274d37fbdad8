package orchestration

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/Active-Apparel-Group/ordersync/internal/archive"
	"github.com/Active-Apparel-Group/ordersync/internal/model"
	"github.com/Active-Apparel-Group/ordersync/internal/scheduler"
)

// Report aggregates one run's outcome for the operator: per-phase tallies,
// group resolution results, the archival counts, and the non-retryable
// failures needing manual remediation.
type Report struct {
	RunID    string
	Owner    string
	DryRun   bool
	Started  time.Time
	Finished time.Time

	GroupsCreated []model.Group
	GroupFailures map[string]error

	Headers scheduler.Stats
	Lines   scheduler.Stats

	Archived archive.Counts
}

// Merged folds both phases' tallies together.
func (r *Report) Merged() scheduler.Stats {
	var s scheduler.Stats
	s.Merge(r.Headers)
	s.Merge(r.Lines)
	return s
}

// HasTerminalFailures reports whether any item ended in a non-retryable
// error; the process exits non-zero when it does.
func (r *Report) HasTerminalFailures() bool {
	return len(r.Headers.Failures)+len(r.Lines.Failures) > 0
}

// Summary is the one-line form used in logs.
func (r *Report) Summary() string {
	m := r.Merged()
	return fmt.Sprintf("%d/%d synced, %d errors, %d deferred, %.1f%% success",
		m.Synced, m.Items, m.Errored, m.Deferred, m.SuccessRate()*100)
}

// Render writes the plain-text run report.
func (r *Report) Render(w io.Writer) error {
	title := fmt.Sprintf("sync run %s", r.RunID)
	if r.Owner != "" {
		title += fmt.Sprintf(" (owner %s)", r.Owner)
	}
	if r.DryRun {
		title += " [dry run]"
	}
	fmt.Fprintln(w, title)
	if !r.Finished.IsZero() {
		fmt.Fprintf(w, "started %s, took %s\n", r.Started.Format(time.RFC3339), r.Finished.Sub(r.Started).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "phase\tbatches\titems\tsynced\terrors\tdeferred\tfallbacks\twrite fails")
	writePhase(tw, "headers", r.Headers)
	writePhase(tw, "lines", r.Lines)
	merged := r.Merged()
	writePhase(tw, "total", merged)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	if len(r.GroupsCreated) > 0 {
		fmt.Fprintf(w, "groups created: %d\n", len(r.GroupsCreated))
		for _, g := range r.GroupsCreated {
			fmt.Fprintf(w, "  %s = %s\n", g.Name, g.ExternalID)
		}
	}
	if len(r.GroupFailures) > 0 {
		names := make([]string, 0, len(r.GroupFailures))
		for name := range r.GroupFailures {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "group failures: %d\n", len(names))
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %v\n", name, r.GroupFailures[name])
		}
	}
	if r.Archived.Total() > 0 {
		fmt.Fprintf(w, "archived diagnostics: %d headers, %d lines\n", r.Archived.Headers, r.Archived.Lines)
	}
	fmt.Fprintf(w, "success rate: %.1f%%\n", merged.SuccessRate()*100)

	if failures := r.sortedFailures(); len(failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "non-retryable errors:")
		for _, f := range failures {
			fmt.Fprintf(w, "  %s %d (owner %s): %s %s\n", f.Kind, f.ItemID, f.OwnerKey, f.Code, f.Message)
		}
	}
	return nil
}

func (r *Report) sortedFailures() []scheduler.Failure {
	out := make([]scheduler.Failure, 0, len(r.Headers.Failures)+len(r.Lines.Failures))
	out = append(out, r.Headers.Failures...)
	out = append(out, r.Lines.Failures...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == model.KindHeader
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

func writePhase(w io.Writer, name string, s scheduler.Stats) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		name, s.Batches, s.Items, s.Synced, s.Errored, s.Deferred, s.Fallbacks, s.WriteFails)
}
