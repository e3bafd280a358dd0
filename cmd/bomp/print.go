// cmd/bomp/print.go
package main

import (
	"fmt"

	"bomp/internal/apply"
	"bomp/internal/diff"
	"bomp/internal/journal"
	"bomp/internal/project"

	"github.com/fatih/color"
)

var (
	added   = color.New(color.FgGreen)
	removed = color.New(color.FgRed)
	header  = color.New(color.FgCyan)
	bold    = color.New(color.Bold)
	faint   = color.New(color.Faint)
)

func printReport(report *project.Report) {
	if report == nil {
		return
	}
	if r := report.Replacement; r.NewVersion != "" {
		bold.Printf("%s -> %s\n", r.OldVersion, r.NewVersion)
	}
	if out := report.Outcome; out != nil {
		if out.DryRun {
			printProposals(out.Proposed)
		} else {
			for _, p := range out.Applied {
				added.Printf("updated ")
				fmt.Println(p)
			}
		}
	}
	if !report.Commit.IsZero() {
		fmt.Printf("committed %s\n", report.Commit.String()[:12])
		if report.Tag != "" {
			fmt.Printf("tagged %s\n", report.Tag)
		}
	}
	if report.RunID != "" {
		faint.Printf("journal run %s\n", report.RunID)
	}
}

func printProposals(proposals []apply.Proposal) {
	if len(proposals) == 0 {
		fmt.Println("Nothing to change")
		return
	}
	for _, p := range proposals {
		bold.Println(p.Path)
		if p.Diff.Empty() {
			faint.Println("  (no changes)")
			continue
		}
		printColoredDiff(p.Diff)
		fmt.Println()
	}
}

func printColoredDiff(d *diff.DiffResult) {
	for i, hunk := range d.Hunks {
		if i > 0 {
			faint.Println("---")
		}
		header.Println(hunk.Header())
		for _, line := range hunk.Lines {
			num := line.OldNum
			if line.Type == diff.Addition {
				num = line.NewNum
			}
			prefix := fmt.Sprintf("%4d %c", num, line.Type.Prefix())
			switch line.Type {
			case diff.Addition:
				added.Println(prefix + line.Content)
			case diff.Deletion:
				removed.Println(prefix + line.Content)
			default:
				fmt.Println(prefix + line.Content)
			}
		}
	}
}

func printRun(run *journal.Run) {
	status := color.New(color.FgGreen)
	switch run.Status {
	case journal.StatusPartial, journal.StatusFailed:
		status = color.New(color.FgRed)
	case journal.StatusRunning:
		status = color.New(color.FgYellow)
	}

	fmt.Printf("%s  %s  ", run.ID, run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	status.Printf("%-8s", run.Status)
	fmt.Printf("  %-8s %s  %d/%d files\n", run.Kind, run.Version, run.Persisted(), len(run.Planned))
	if run.Error != "" {
		faint.Printf("    %s\n", run.Error)
	}
}
