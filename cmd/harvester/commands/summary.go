package commands

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
)

func renderResult(w io.Writer, result harvester.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Harvest summary")
	t.AppendHeader(table.Row{"Field", "Value"})

	t.AppendRow(table.Row{"Status", result.Status})
	t.AppendRow(table.Row{"Termination", result.Termination.String()})
	t.AppendRow(table.Row{"Duration", result.Duration.Round(time.Millisecond)})
	if cp := result.Checkpoint; cp != nil {
		appendCheckpointRows(t, cp)
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"Sink written", result.Sink.Written})
	t.AppendRow(table.Row{"Sink already present", result.Sink.AlreadyPresent})
	t.AppendRow(table.Row{"Sink failed", result.Sink.Failed})
	if result.Err != nil {
		t.AppendRow(table.Row{"Error", result.Err.Error()})
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}

func renderCheckpoint(w io.Writer, cp *harvester.Checkpoint) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Field", "Value"})
	appendCheckpointRows(t, cp)
	t.AppendRow(table.Row{"Status", cp.Status})
	if cp.Reason != "" {
		t.AppendRow(table.Row{"Reason", cp.Reason})
	}
	t.AppendRow(table.Row{"Started", cp.StartedAt.Format(time.RFC3339)})
	t.AppendRow(table.Row{"Updated", cp.UpdatedAt.Format(time.RFC3339)})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func appendCheckpointRows(t table.Writer, cp *harvester.Checkpoint) {
	t.AppendRow(table.Row{"Run key", cp.RunKey})
	t.AppendRow(table.Row{"Run ID", cp.RunID.String()})
	t.AppendRow(table.Row{"Next page", cp.PageIndex})
	t.AppendRow(table.Row{"Pages fetched", cp.PagesFetched})
	t.AppendRow(table.Row{"Records ingested", cp.RecordsIngested})
	t.AppendRow(table.Row{"Duplicates suppressed", cp.DuplicatesSuppressed})
	t.AppendRow(table.Row{"Rows dropped", cp.RowsDropped})
	t.AppendRow(table.Row{"Sink failures", cp.SinkFailures})
}
