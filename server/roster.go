package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/craglive/boxd/server/store"
)

// parseRoster reads an uploaded start list: one competitor per row as
// "name" or "name,club". A first row labelled name/club is treated as a
// header and skipped. Blank rows are ignored.
func parseRoster(r io.Reader) ([]store.RosterEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var roster []store.RosterEntry
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(roster)+1, err)
		}

		name := strings.TrimSpace(row[0])
		club := ""
		if len(row) > 1 {
			club = strings.TrimSpace(row[1])
		}

		if first {
			first = false
			if isRosterHeader(name) {
				continue
			}
		}
		if name == "" {
			continue
		}
		roster = append(roster, store.RosterEntry{Name: name, Club: club})
	}

	if len(roster) == 0 {
		return nil, fmt.Errorf("start list is empty")
	}
	return roster, nil
}

func isRosterHeader(first string) bool {
	switch strings.ToLower(first) {
	case "name", "competitor", "climber":
		return true
	}
	return false
}
