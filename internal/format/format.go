// Package format renders member records into the text context handed to the
// answering model and derives aggregate statistics from them.
package format

import (
	"strings"

	"github.com/stellarlinkco/memberqa/internal/source"
)

// UnknownUser stands in for an absent user name, both when rendering and
// when counting users. All nameless records therefore count as one user.
const UnknownUser = "Unknown"

// Delimiter terminates every rendered record.
const Delimiter = "---"

// Stats is the aggregate view of a record set. The zero value describes an
// empty set.
type Stats struct {
	TotalMessages int `json:"total_messages"`
	UniqueUsers   int `json:"unique_users"`
}

// Format renders records in input order, one block per record:
//
//	User: <name> (ID: <id>)
//	Message: <message>
//	Timestamp: <timestamp>
//	---
//
// Blocks are joined by a newline. An empty input yields "".
func Format(records []source.Record) string {
	var sb strings.Builder
	for i, r := range records {
		if i > 0 {
			sb.WriteByte('\n')
		}
		writeRecord(&sb, r)
	}
	return sb.String()
}

func writeRecord(sb *strings.Builder, r source.Record) {
	sb.WriteString("User: ")
	sb.WriteString(userName(r))
	sb.WriteString(" (ID: ")
	sb.WriteString(value(r.UserID))
	sb.WriteString(")\nMessage: ")
	sb.WriteString(value(r.Message))
	sb.WriteString("\nTimestamp: ")
	sb.WriteString(value(r.Timestamp))
	sb.WriteString("\n")
	sb.WriteString(Delimiter)
}

// ComputeStats counts records and distinct user names.
func ComputeStats(records []source.Record) Stats {
	if len(records) == 0 {
		return Stats{}
	}
	users := make(map[string]struct{}, len(records))
	for _, r := range records {
		users[userName(r)] = struct{}{}
	}
	return Stats{
		TotalMessages: len(records),
		UniqueUsers:   len(users),
	}
}

func userName(r source.Record) string {
	if r.UserName == nil {
		return UnknownUser
	}
	return *r.UserName
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
