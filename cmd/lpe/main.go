// Command lpe runs the least-privilege analysis pipeline once over a
// pre-collected evidence snapshot and prints the result, for use in CI
// checks and offline review.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/saferemediate/lpe/internal/analysis"
	"github.com/saferemediate/lpe/internal/config"
	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/reports"
)

func main() {
	snapshotPath := flag.String("snapshot", "", "Path to evidence snapshot JSON (required)")
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	pdfPath := flag.String("pdf", "", "Also write the impact report PDF to this path")
	flag.Parse()

	if *snapshotPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: lpe -snapshot <snapshot.json> [-config <config.yaml>] [-pdf <report.pdf>]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(*snapshotPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read snapshot: %v\n", err)
		os.Exit(1)
	}

	var snap evidence.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse snapshot: %v\n", err)
		os.Exit(1)
	}

	engine := analysis.New(cfg.Engine)
	result, err := engine.Run(snap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Analysis failed: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if *pdfPath != "" {
		pdf, err := reports.ImpactReportPDF(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*pdfPath, pdf, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Wrote impact report to %s\n", *pdfPath)
	}
}
