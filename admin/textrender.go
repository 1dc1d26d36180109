package admin

import (
	"strings"

	"github.com/olekukonko/tablewriter"
)

// RenderText renders a control command's map[string]string output as an
// aligned two-column table, key order sorted for deterministic output
// across calls.
func RenderText(out map[string]string) string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"key", "value"})
	table.SetAutoFormatHeaders(false)
	for _, k := range sortedKeys(out) {
		table.Append([]string{k, out[k]})
	}
	table.Render()
	return sb.String()
}
