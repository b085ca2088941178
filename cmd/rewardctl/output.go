package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if title != "" {
		tw.SetTitle(title)
	}
	return tw
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

// formatParams renders a parameter map as sorted key=value pairs
func formatParams(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}
