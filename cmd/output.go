package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/gate"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

var (
	headerStyle = color.New(color.FgYellow, color.Bold)
	passStyle   = color.New(color.FgGreen)
	blockStyle  = color.New(color.FgRed, color.Bold)
	flagStyle   = color.New(color.FgYellow)
	dimStyle    = color.New(color.Faint)
)

func printSummary(out io.Writer, s types.SessionSummary) {
	headerStyle.Fprintf(out, "Session %s\n", s.SessionID)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Started\t%s\n", s.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Duration\t%dms\n", s.TotalTimeMs)
	fmt.Fprintf(w, "  Records\t%d (%d unique identifiers)\n", s.RecordCount, s.UniqueIdentifiers)
	fmt.Fprintf(w, "  Materials found\t%d\n", s.MaterialsFound)
	fmt.Fprintf(w, "  With energy\t%d\n", s.WithEnergy)
	fmt.Fprintf(w, "  Registry entries\t%d\n", s.RegistryEntries)
	if s.UnresolvedInvocations > 0 {
		fmt.Fprintf(w, "  Unresolved\t%s\n", flagStyle.Sprint(s.UnresolvedInvocations))
	}
	if s.OrphanToolEnds > 0 {
		fmt.Fprintf(w, "  Orphan tool_end\t%s\n", flagStyle.Sprint(s.OrphanToolEnds))
	}
	if s.EventsDropped > 0 {
		fmt.Fprintf(w, "  Events dropped\t%s\n", blockStyle.Sprint(s.EventsDropped))
	}
	if s.Complete {
		fmt.Fprintf(w, "  Complete\t%s\n", passStyle.Sprint("yes"))
	} else {
		fmt.Fprintf(w, "  Complete\t%s (%d incomplete)\n", blockStyle.Sprint("no"), len(s.IncompleteInvocations))
	}
	w.Flush()

	if len(s.PerToolStats) == 0 {
		return
	}
	tools := make([]string, 0, len(s.PerToolStats))
	for name := range s.PerToolStats {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	fmt.Fprintln(out)
	headerStyle.Fprintln(out, "Tools")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  WRAPPER\tCALLS\tOK\tFAILED\tINCOMPLETE\tRECORDS\tRESOLVED AS")
	for _, name := range tools {
		st := s.PerToolStats[name]
		fmt.Fprintf(w, "  %s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			name, st.Invocations, st.Completed, st.Failed, st.Incomplete, st.Records, resolvedAs(st))
	}
	w.Flush()
}

func resolvedAs(st types.ToolStats) string {
	if len(st.ResolvedAs) == 0 {
		return dimStyle.Sprint("-")
	}
	names := make([]string, 0, len(st.ResolvedAs))
	for name := range st.ResolvedAs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s×%d", name, st.ResolvedAs[name])
	}
	return strings.Join(parts, ", ")
}

func verdictLabel(v gate.Verdict) string {
	switch v {
	case gate.Pass:
		return passStyle.Sprint("PASS")
	case gate.Block:
		return blockStyle.Sprint("BLOCK")
	default:
		return flagStyle.Sprint("FLAG")
	}
}

// printDecisions lists one line per gated number and returns the number of
// claims that did not pass.
func printDecisions(out io.Writer, decisions []gate.Decision) int {
	failed := 0
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, d := range decisions {
		if d.Verdict != gate.Pass {
			failed++
		}
		literal := d.Claim.Literal
		if d.Claim.Unit != "" {
			literal += " " + d.Claim.Unit
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", verdictLabel(d.Verdict), literal, d.Category, dimStyle.Sprint(d.Reason))
	}
	w.Flush()
	return failed
}
