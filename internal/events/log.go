// SPDX-License-Identifier: MPL-2.0

package events

import (
	"maps"
	"slices"

	"github.com/charmbracelet/log"
)

// LogReporter writes each event as a structured log line.
type LogReporter struct {
	logger *log.Logger
}

// NewLogReporter returns a reporter that logs through logger.
func NewLogReporter(logger *log.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Record implements Reporter. Failures log at warn level, everything else at info.
func (r *LogReporter) Record(e Event) {
	kv := make([]any, 0, 4+2*len(e.Fields))
	kv = append(kv, "id", e.ID.String())
	if e.Target != "" {
		kv = append(kv, "target", e.Target)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		kv = append(kv, k, e.Fields[k])
	}

	if e.IsFailure() {
		if e.Err != "" {
			kv = append(kv, "err", e.Err)
		}
		r.logger.Warn(string(e.Kind), kv...)
		return
	}
	r.logger.Info(string(e.Kind), kv...)
}
