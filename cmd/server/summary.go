package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/lexiqai/speaker-gateway/internal/observability"
	"github.com/lexiqai/speaker-gateway/internal/session"
)

func printSummary(w io.Writer, s session.Summary) {
	fmt.Fprintf(w, "\nSession %s ended (%s) after %s, %d final utterances\n",
		s.SessionID, s.Reason, s.Duration().Round(time.Millisecond), s.Utterances)
	if s.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", s.Err)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Speaker ID", "Name", "Source"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for i, e := range s.Speakers {
		source := "placeholder"
		if e.Inferred {
			source = "introduction"
		}
		table.Append([]string{strconv.Itoa(i + 1), e.ID.String(), e.Name, source})
	}
	table.Render()
}

func logSummary(s session.Summary) {
	logger := observability.GetLogger()
	evt := logger.Info()
	if s.Err != nil {
		evt = logger.Error().Err(s.Err)
	}

	names := make([]string, 0, len(s.Speakers))
	for _, e := range s.Speakers {
		names = append(names, e.Name)
	}
	evt.Str("session_id", s.SessionID).
		Str("reason", s.Reason).
		Strs("speakers", names).
		Int("utterances", s.Utterances).
		Dur("duration", s.Duration()).
		Msg("Session summary")
}
