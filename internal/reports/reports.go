// Package reports renders analysis results as PDF documents. The impact
// report is the landing page for the high-confidence queue's call to
// action; the remediation summary covers workflow throughput.
package reports

import (
	"fmt"
	"strings"

	"github.com/saferemediate/lpe/internal/analysis"
	"github.com/saferemediate/lpe/internal/models"
)

// ImpactReportPDF renders one analysis run: posture strength, the three
// triage queues, and the ranked removal candidates per component.
func ImpactReportPDF(result *analysis.Result) ([]byte, error) {
	pdf := NewPDFReport("Least Privilege Impact Report")

	pdf.AddSection("Posture Overview")
	pdf.AddParagraph(fmt.Sprintf(
		"Analyzed %d components over a %s evidence window. Overall evidence strength: %s.",
		len(result.Components), result.Window, result.Strength))

	pdf.AddSummaryTable(map[string]int{
		"Components analyzed":   len(result.Components),
		"High-confidence gaps":  len(result.Queues.HighConfidenceGaps),
		"Architectural risks":   len(result.Queues.ArchitecturalRisks),
		"Blast-radius warnings": len(result.Queues.BlastRadiusWarnings),
		"Excluded":              result.Queues.Excluded,
	})

	pdf.AddChart("Components by queue", map[string]int{
		"high confidence": len(result.Queues.HighConfidenceGaps),
		"architectural":   len(result.Queues.ArchitecturalRisks),
		"blast radius":    len(result.Queues.BlastRadiusWarnings),
	})

	addQueueSection(pdf, "High-Confidence Gaps", result.Queues.HighConfidenceGaps)
	addQueueSection(pdf, "Architectural Risks", result.Queues.ArchitecturalRisks)
	addQueueSection(pdf, "Blast-Radius Warnings", result.Queues.BlastRadiusWarnings)

	pdf.AddPageBreak()
	pdf.AddSection("Removal Candidates")

	for _, comp := range result.Components {
		page, ok := result.Gaps[comp.ID]
		if !ok || len(page.Items) == 0 {
			continue
		}

		title := fmt.Sprintf("%s (%s)", comp.Name, comp.Type)
		if page.More > 0 {
			title += fmt.Sprintf(" +%d more", page.More)
		}
		pdf.AddParagraph(title)

		headers := []string{"Rank", "Action", "Recommendation", "Priority", "Flags"}
		rows := make([][]string, 0, len(page.Items))
		for _, item := range page.Items {
			rows = append(rows, []string{
				fmt.Sprintf("%d", item.Rank),
				truncate(item.Action, 25),
				string(item.Recommendation),
				fmt.Sprintf("%.1f", item.Priority),
				truncate(flagList(item.Flags), 25),
			})
		}
		pdf.AddTable(headers, rows)
	}

	return pdf.Output()
}

// RemediationSummaryPDF renders workflow throughput from the issue store
// rollups.
func RemediationSummaryPDF(total int, byState, byQueue, bySeverity map[string]int) ([]byte, error) {
	pdf := NewPDFReport("Remediation Summary")

	pdf.AddSection("Issues")
	pdf.AddSummaryTable(map[string]int{"Total issues": total})

	pdf.AddSection("By Workflow State")
	pdf.AddChart("", byState)

	pdf.AddSection("By Queue")
	pdf.AddChart("", byQueue)

	pdf.AddSection("By Severity")
	pdf.AddChart("", bySeverity)

	return pdf.Output()
}

func addQueueSection(pdf *PDFReport, title string, cards []models.QueueCard) {
	if len(cards) == 0 {
		return
	}

	pdf.AddSection(fmt.Sprintf("%s (%d)", title, len(cards)))

	headers := []string{"Component", "Type", "Severity", "Confidence", "Reason"}
	rows := make([][]string, 0, len(cards))
	for _, card := range cards {
		reason := card.Reason
		if card.WhyNow != "" {
			reason = reason + "; " + card.WhyNow
		}
		rows = append(rows, []string{
			truncate(card.Name, 25),
			string(card.Type),
			string(card.Severity),
			string(card.Confidence),
			truncate(reason, 25),
		})
	}
	pdf.AddTable(headers, rows)
}

func flagList(flags []models.RiskFlag) string {
	if len(flags) == 0 {
		return "-"
	}
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
