package model

import "time"

// SectionName identifies one report section. Sections are always emitted in
// the order of ReportSections, even when empty.
type SectionName string

const (
	SectionTechnical     SectionName = "technical_intelligence"
	SectionBuyingSignals SectionName = "buying_signals"
	SectionTalkingPoints SectionName = "talking_points"
)

// ReportSections is the fixed emission order.
var ReportSections = []SectionName{SectionTechnical, SectionBuyingSignals, SectionTalkingPoints}

// ReportSection is one section of a correlated report. InsufficientData is
// set when every contributing source for the section failed or was skipped;
// the section is still present so reports stay structurally complete.
type ReportSection struct {
	Name             SectionName `json:"name"`
	Items            []string    `json:"items,omitempty"`
	Sources          []SourceKey `json:"sources,omitempty"`
	InsufficientData bool        `json:"insufficient_data,omitempty"`
}

// Report is the correlated output of one job. Written exactly once.
type Report struct {
	Sections      []ReportSection `json:"sections"`
	Score         float64         `json:"score"`
	ScoreScaleMax float64         `json:"score_scale_max"`
	Contributed   []SourceKey     `json:"contributed"`
	Failed        []SourceKey     `json:"failed,omitempty"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// Section returns the named section, or nil.
func (r *Report) Section(name SectionName) *ReportSection {
	for i := range r.Sections {
		if r.Sections[i].Name == name {
			return &r.Sections[i]
		}
	}
	return nil
}
