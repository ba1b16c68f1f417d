package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/coder/serpent"
)

type outputFormat struct {
	Format string
}

func (o *outputFormat) option() serpent.Option {
	return serpent.Option{
		Name:          "output",
		Description:   "Output format.",
		Flag:          "output",
		FlagShorthand: "o",
		Default:       "table",
		Value:         serpent.EnumOf(&o.Format, "table", "json"),
	}
}

func (o *outputFormat) json() bool { return o.Format == "json" }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab separated rows aligned into columns.
type table struct {
	tw *tabwriter.Writer
}

func newTable(w io.Writer, headers ...string) *table {
	t := &table{tw: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
	t.row(headers...)
	return t
}

func (t *table) row(cells ...string) {
	_, _ = fmt.Fprintln(t.tw, strings.Join(cells, "\t"))
}

func (t *table) flush() error {
	return t.tw.Flush()
}
