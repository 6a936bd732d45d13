package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/figcuration/curator/pkg/offload"
)

func printResult(w io.Writer, format string, r *offload.Result) error {
	switch format {
	case "json":
		return printJSON(w, r)
	case "yaml":
		return printYAML(w, r)
	default:
		return printSummary(w, r)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	// Through JSON so the keys match the json output.
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return enc.Encode(m)
}

func printSummary(w io.Writer, r *offload.Result) error {
	fmt.Fprintf(w, "Run:     %s\n", r.RunID)
	fmt.Fprintf(w, "State:   %s\n", r.State)
	if r.Session != nil {
		fmt.Fprintf(w, "Session: %d (%d updates, %d errors)\n", r.Session.Number, r.Session.NumUpdates, r.Session.NumErrors)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:   %s (during %s)\n", truncate(r.Error, 200), r.FailedIn)
	}
	if len(r.Classifiers) == 0 {
		return nil
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(r.Classifiers))
	for _, c := range r.Classifiers {
		status := "written"
		switch {
		case c.Error != "":
			status = truncate(c.Error, 80)
		case c.Removed:
			status = "removed"
		}
		version := ""
		if c.Version > 0 {
			version = "v" + strconv.Itoa(c.Version)
		}
		rows = append(rows, []string{c.Name, version, strconv.Itoa(c.Rows), status, c.Path})
	}
	printTable(w, []string{"classifier", "version", "rows", "status", "path"}, rows)

	for _, e := range r.CleanupErrors {
		fmt.Fprintf(w, "cleanup: %s\n", e)
	}
	return nil
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	upperHeaders := make([]string, len(headers))
	for i, h := range headers {
		upperHeaders[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(tw, strings.Join(upperHeaders, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// truncate shortens s to max bytes, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
