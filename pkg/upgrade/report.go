package upgrade

import "metaupgrade/pkg/record"

// Report is the per-record result of an orchestrated upgrade. Exactly one of
// Record and Failure is set.
type Report struct {
	Index   int           `json:"index"`
	ID      string        `json:"id,omitempty"`
	Entity  string        `json:"entity,omitempty"`
	From    string        `json:"from,omitempty"`
	To      string        `json:"to,omitempty"`
	Applied []string      `json:"applied,omitempty"`
	Record  record.Record `json:"record,omitempty"`
	Failure *Failure      `json:"failure,omitempty"`
}

// OK reports whether the upgrade succeeded.
func (r Report) OK() bool { return r.Failure == nil }

// Outcome labels the report for summaries and metrics: "success" or the
// failure kind.
func (r Report) Outcome() string {
	if r.Failure == nil {
		return "success"
	}
	return string(r.Failure.Kind)
}
