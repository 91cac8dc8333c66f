package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/workflow"
)

// view renders command output for a single writer. Colors are dropped when
// the writer is not a terminal.
type view struct {
	out io.Writer

	box    lipgloss.Style
	title  lipgloss.Style
	muted  lipgloss.Style
	status map[string]lipgloss.Style
}

func newView(out io.Writer) *view {
	r := lipgloss.NewRenderer(out)
	color := func(c string) lipgloss.Style {
		return r.NewStyle().Foreground(lipgloss.Color(c)).Bold(true)
	}
	return &view{
		out:   out,
		box:   r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		title: r.NewStyle().Bold(true),
		muted: r.NewStyle().Faint(true),
		status: map[string]lipgloss.Style{
			"pending":   color("3"),
			"current":   color("3"),
			"approved":  color("2"),
			"completed": color("2"),
			"confirmed": color("6"),
			"skipped":   color("5"),
			"rejected":  color("1"),
		},
	}
}

func (v *view) badge(status string) string {
	style, ok := v.status[status]
	if !ok {
		return status
	}
	return style.Render(status)
}

func (v *view) print(block string) {
	fmt.Fprintln(v.out, block)
}

func (v *view) notice(documentID, msg string) {
	v.print(fmt.Sprintf("%s %s", v.title.Render(documentID), msg))
}

func (v *view) stages(documentID string, stages []types.StageDefinition) {
	var b strings.Builder
	b.WriteString(v.title.Render(documentID))
	if len(stages) == 0 {
		b.WriteString("\n" + v.muted.Render("no approval required"))
	}
	for i, s := range stages {
		fmt.Fprintf(&b, "\n%d. %s %s", i+1, s.Name, v.muted.Render("("+s.ID+")"))
	}
	v.print(v.box.Render(b.String()))
}

func (v *view) progress(p *workflow.Progress) {
	inst := p.Instance

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s  %d/%d",
		v.title.Render(inst.DocumentID),
		v.muted.Render(string(inst.DocumentType)),
		v.badge(inst.OverallStatus.String()),
		p.Completed, p.Total,
	)
	for _, sv := range p.Stages {
		fmt.Fprintf(&b, "\n%d. %-20s %s", sv.Index+1, sv.Stage.Name, v.badge(sv.Status.String()))
		if detail := progressDetail(sv.Progress); detail != "" {
			b.WriteString("  " + v.muted.Render(detail))
		}
	}
	v.print(v.box.Render(b.String()))
}

func progressDetail(p *types.StageProgress) string {
	if p == nil {
		return ""
	}
	at := p.DecidedAt.Format(time.DateTime)
	switch p.Status {
	case types.ProgressApproved:
		return fmt.Sprintf("by %s at %s", p.ApprovedBy, at)
	case types.ProgressRejected:
		return fmt.Sprintf("by %s at %s: %s", p.RejectedBy, at, p.RejectedReason)
	case types.ProgressSkipped:
		return fmt.Sprintf("by %s at %s: %s", p.SkippedBy, at, p.Justification)
	}
	return ""
}

func (v *view) list(instances []types.ApprovalInstance) {
	if len(instances) == 0 {
		v.print(v.muted.Render("no instances"))
		return
	}
	rows := make([]string, 0, len(instances))
	for _, inst := range instances {
		current := "-"
		if s, ok := inst.CurrentStage(); ok {
			current = s.ID
		}
		rows = append(rows, fmt.Sprintf("%-16s %-16s %-10s %s",
			inst.DocumentID, inst.DocumentType, v.badge(inst.OverallStatus.String()), current))
	}
	header := v.title.Render(fmt.Sprintf("%-16s %-16s %-10s %s", "DOCUMENT", "TYPE", "STATUS", "STAGE"))
	v.print(v.box.Render(lipgloss.JoinVertical(lipgloss.Left, append([]string{header}, rows...)...)))
}
