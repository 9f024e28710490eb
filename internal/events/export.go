package events

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteLog saves a captured event sequence to path as an indented JSON
// array. The run command uses it to keep a replayable record of a
// one-shot deliberation.
func WriteLog(path string, events []*Event) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event log: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}
