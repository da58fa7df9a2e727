package shell

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/sushant-115/gojolite/pkg/connection"
)

// Format selects how result rows are printed.
type Format string

const (
	FormatTable    Format = "table"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
	FormatLine     Format = "line"
)

// Formats lists the accepted output formats.
var Formats = []Format{FormatTable, FormatCSV, FormatMarkdown, FormatLine}

// maxInlineBlob is the largest blob printed as a hex literal; larger ones
// are shown by size.
const maxInlineBlob = 32

func newTableWriter() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	tw.Style().Color.Footer = text.Colors{text.FgCyan, text.Bold}
	return tw
}

// dimmed prints secondary information such as change counts.
func dimmed() *color.Color {
	return color.RGB(128, 128, 128)
}

// display renders one value the way the shell shows it.
func display(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		if len(x) > maxInlineBlob {
			return fmt.Sprintf("<blob %s>", humanize.Bytes(uint64(len(x))))
		}
		return "x'" + hex.EncodeToString(x) + "'"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// renderRows drains rows to w in format and returns how many rows were
// printed.
func renderRows(w io.Writer, format Format, rows *connection.Rows) (int, error) {
	defer rows.Close()
	columns := rows.Columns()
	n := 0
	if format == FormatLine {
		for rows.Next() {
			if n > 0 {
				fmt.Fprintln(w)
			}
			for i, v := range rows.Row().Values() {
				fmt.Fprintf(w, "%*s = %s\n", width(columns), columns[i], display(v))
			}
			n++
		}
		return n, rows.Err()
	}

	tw := newTableWriter()
	header := make(table.Row, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	tw.AppendHeader(header)
	for rows.Next() {
		vals := rows.Row().Values()
		r := make(table.Row, len(vals))
		for i, v := range vals {
			r[i] = display(v)
		}
		tw.AppendRow(r)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	if n == 0 && format == FormatTable {
		return 0, nil
	}
	switch format {
	case FormatCSV:
		fmt.Fprintln(w, tw.RenderCSV())
	case FormatMarkdown:
		fmt.Fprintln(w, tw.RenderMarkdown())
	default:
		fmt.Fprintln(w, tw.Render())
	}
	return n, nil
}

func width(columns []string) int {
	w := 0
	for _, c := range columns {
		w = max(w, len(c))
	}
	return w
}
