// Package export writes the terminal identifier set of a collection run to
// JSON or CSV for downstream processing.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/harvest-cli/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is the JSON export shape for one collection run.
type Document struct {
	PageURL       string    `json:"page_url"`
	Layout        string    `json:"layout"`
	TerminalState string    `json:"terminal_state,omitempty"`
	Collected     int       `json:"collected"`
	Expected      int       `json:"expected,omitempty"`
	StepsTaken    int       `json:"steps_taken"`
	CollectedAt   time.Time `json:"collected_at"`
	Identifiers   []string  `json:"identifiers"`
}

// WriteJSON writes the run as an indented JSON document.
func WriteJSON(w io.Writer, pageURL string, result *engine.Result) error {
	doc := Document{
		PageURL:       pageURL,
		Layout:        string(result.Layout.Kind),
		TerminalState: string(result.TerminalState),
		Collected:     result.Collected,
		Expected:      result.Expected,
		StepsTaken:    result.StepsTaken,
		CollectedAt:   time.Now().UTC(),
		Identifiers:   result.Identifiers,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode JSON export: %w", err)
	}
	return nil
}

// WriteCSV writes one row per identifier, preserving first-seen order.
func WriteCSV(w io.Writer, pageURL string, result *engine.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"position", "identifier", "page_url", "terminal_state"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for i, id := range result.Identifiers {
		row := []string{fmt.Sprintf("%d", i), id, pageURL, string(result.TerminalState)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write dispatches on format ("json" or "csv") and output path ("-" for
// stdout).
func Write(format, output, pageURL string, result *engine.Result) error {
	var w io.Writer = os.Stdout
	if output != "-" && output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "json":
		return WriteJSON(w, pageURL, result)
	case "csv":
		return WriteCSV(w, pageURL, result)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
