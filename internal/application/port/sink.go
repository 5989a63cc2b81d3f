package port

import "time"

type Sink interface {
	// Event line: entries, exits, holds, skips
	WriteEvent(line string) error
	// Cycle summary block with timestamp header
	WriteSummary(ts time.Time, lines []string) error
}
