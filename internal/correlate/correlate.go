// Package correlate merges the terminal task results of one job into a
// single scored report. Given identical inputs the output is byte-identical:
// sources are visited in a fixed priority order, sections are emitted in a
// fixed order, and every timestamp comes from the inputs or the injected
// clock.
package correlate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

// Weights tune the buying-signal score. They are configuration, not
// constants, so scoring can be adjusted without touching the engine.
type Weights struct {
	HiringVelocity    float64 `yaml:"hiring_velocity" mapstructure:"hiring_velocity"`
	UrgentKeywords    float64 `yaml:"urgent_keywords" mapstructure:"urgent_keywords"`
	LeadershipFunding float64 `yaml:"leadership_funding" mapstructure:"leadership_funding"`
	TechDebt          float64 `yaml:"tech_debt" mapstructure:"tech_debt"`
}

// DefaultWeights returns the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{
		HiringVelocity:    0.35,
		UrgentKeywords:    0.25,
		LeadershipFunding: 0.25,
		TechDebt:          0.15,
	}
}

func (w Weights) total() float64 {
	return w.HiringVelocity + w.UrgentKeywords + w.LeadershipFunding + w.TechDebt
}

// sourcePriority breaks conflict-resolution ties: when two sources disagree
// on an overlapping fact and their fetch timestamps are equal, the source
// earlier in this list wins. The ordering is a contract, not an accident.
var sourcePriority = []model.SourceKey{
	model.SourceRepos,
	model.SourceJobs,
	model.SourceNews,
	model.SourceSite,
}

func priorityRank(src model.SourceKey) int {
	for i, s := range sourcePriority {
		if s == src {
			return i
		}
	}
	return len(sourcePriority)
}

// sectionSources maps each report section to the sources it draws from.
var sectionSources = map[model.SectionName][]model.SourceKey{
	model.SectionTechnical:     {model.SourceRepos, model.SourceSite},
	model.SectionBuyingSignals: {model.SourceJobs, model.SourceNews},
	model.SectionTalkingPoints: {model.SourceRepos, model.SourceJobs, model.SourceNews, model.SourceSite},
}

// Engine builds reports from terminal task results.
type Engine struct {
	weights  Weights
	scaleMax float64
	nowFunc  func() time.Time
}

// New constructs an engine. scaleMax bounds the score; zero or negative
// falls back to 100.
func New(weights Weights, scaleMax float64) *Engine {
	if weights.total() <= 0 {
		weights = DefaultWeights()
	}
	if scaleMax <= 0 {
		scaleMax = 100
	}
	return &Engine{weights: weights, scaleMax: scaleMax, nowFunc: time.Now}
}

// WithNow overrides the clock used for GeneratedAt.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.nowFunc = now
	return e
}

// Run merges the given per-source results into one report. results holds
// every succeeded source keyed by source; failed lists the fetch sources
// that ended FAILED or SKIPPED. The summary result, if present, is keyed
// under model.SourceSummary and enriches talking points.
//
// Run fails with CorrelationError only when zero fetch sources succeeded;
// any other input yields a structurally complete, possibly partial report.
func (e *Engine) Run(results map[model.SourceKey]*model.FetchResult, failed []model.SourceKey) (*model.Report, error) {
	contributed := make([]model.SourceKey, 0, len(sourcePriority))
	for _, src := range sourcePriority {
		if results[src] != nil {
			contributed = append(contributed, src)
		}
	}
	if len(contributed) == 0 {
		return nil, &resilience.CorrelationError{Reason: "zero sources succeeded"}
	}

	failedSorted := make([]model.SourceKey, 0, len(failed))
	for _, src := range sourcePriority {
		for _, f := range failed {
			if f == src {
				failedSorted = append(failedSorted, src)
				break
			}
		}
	}

	report := &model.Report{
		Contributed:   contributed,
		Failed:        failedSorted,
		Score:         e.score(results),
		ScoreScaleMax: e.scaleMax,
		GeneratedAt:   e.nowFunc().UTC(),
	}
	for _, name := range model.ReportSections {
		report.Sections = append(report.Sections, e.buildSection(name, results))
	}
	return report, nil
}

func (e *Engine) buildSection(name model.SectionName, results map[model.SourceKey]*model.FetchResult) model.ReportSection {
	section := model.ReportSection{Name: name}
	for _, src := range sectionSources[name] {
		if results[src] != nil {
			section.Sources = append(section.Sources, src)
		}
	}
	if len(section.Sources) == 0 {
		section.InsufficientData = true
		return section
	}

	switch name {
	case model.SectionTechnical:
		section.Items = technicalItems(results)
	case model.SectionBuyingSignals:
		section.Items = buyingSignalItems(results)
	case model.SectionTalkingPoints:
		section.Items = talkingPointItems(results)
	}
	return section
}

// technicalItems merges site and repo observations. The tech stack is an
// overlapping fact both sources report; resolveStack applies the conflict
// rule (fresher fetch wins, priority order on a timestamp tie).
func technicalItems(results map[model.SourceKey]*model.FetchResult) []string {
	var items []string

	if stack, from := resolveStack(results); len(stack) > 0 {
		items = append(items, fmt.Sprintf("Tech stack (%s): %s", from, strings.Join(stack, ", ")))
	}
	if repos := results[model.SourceRepos]; repos != nil {
		if n := intField(repos.Fields, "repo_count"); n > 0 {
			items = append(items, fmt.Sprintf("%d public repositories, %d pushed in the last 3 months",
				n, intField(repos.Fields, "recent_pushes")))
		}
		if debt := intField(repos.Fields, "tech_debt_mentions"); debt > 0 {
			items = append(items, fmt.Sprintf("%d repositories mention migration or legacy work", debt))
		}
	}
	if site := results[model.SourceSite]; site != nil {
		if desc := stringField(site.Fields, "description"); desc != "" {
			items = append(items, "Site positioning: "+desc)
		}
	}
	return items
}

// resolveStack picks between the site's keyword mentions and the repo
// host's language list when both are present.
func resolveStack(results map[model.SourceKey]*model.FetchResult) ([]string, model.SourceKey) {
	type candidate struct {
		src   model.SourceKey
		stack []string
		at    time.Time
	}
	var candidates []candidate
	if repos := results[model.SourceRepos]; repos != nil {
		if langs := stringSliceField(repos.Fields, "languages"); len(langs) > 0 {
			candidates = append(candidates, candidate{model.SourceRepos, langs, repos.FetchedAt})
		}
	}
	if site := results[model.SourceSite]; site != nil {
		if mentions := stringSliceField(site.Fields, "tech_mentions"); len(mentions) > 0 {
			candidates = append(candidates, candidate{model.SourceSite, mentions, site.FetchedAt})
		}
	}
	if len(candidates) == 0 {
		return nil, ""
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.at.After(best.at) || (c.at.Equal(best.at) && priorityRank(c.src) < priorityRank(best.src)) {
			best = c
		}
	}
	stack := append([]string(nil), best.stack...)
	sort.Strings(stack)
	return stack, best.src
}

func buyingSignalItems(results map[model.SourceKey]*model.FetchResult) []string {
	var items []string

	if jobs := results[model.SourceJobs]; jobs != nil {
		postings := intField(jobs.Fields, "postings_count")
		items = append(items, fmt.Sprintf("%d open positions, %d engineering", postings, intField(jobs.Fields, "engineering_count")))
		if urgent := intField(jobs.Fields, "urgent_count"); urgent > 0 {
			items = append(items, fmt.Sprintf("%d postings use urgency language", urgent))
		}
	}
	if news := results[model.SourceNews]; news != nil {
		if funding := intField(news.Fields, "funding_mentions"); funding > 0 {
			items = append(items, fmt.Sprintf("%d recent funding mentions", funding))
		}
		if leadership := intField(news.Fields, "leadership_mentions"); leadership > 0 {
			items = append(items, fmt.Sprintf("%d recent leadership changes", leadership))
		}
	}
	return items
}

func talkingPointItems(results map[model.SourceKey]*model.FetchResult) []string {
	var items []string

	if summary := results[model.SourceSummary]; summary != nil {
		if text := stringField(summary.Fields, "summary"); text != "" {
			items = append(items, text)
		}
	}
	if news := results[model.SourceNews]; news != nil {
		headlines := stringSliceField(news.Fields, "headlines")
		if len(headlines) > 3 {
			headlines = headlines[:3]
		}
		for _, h := range headlines {
			items = append(items, "Recent news: "+h)
		}
	}
	if jobs := results[model.SourceJobs]; jobs != nil {
		if eng := intField(jobs.Fields, "engineering_count"); eng > 0 {
			items = append(items, fmt.Sprintf("Actively hiring %d engineering roles", eng))
		}
	}
	return items
}

// score is a weighted sum of normalized indicator counts, clamped to
// [0, scaleMax]. Missing sources contribute zero for their indicators.
func (e *Engine) score(results map[model.SourceKey]*model.FetchResult) float64 {
	var hiring, urgency, leadershipFunding, techDebt float64

	if jobs := results[model.SourceJobs]; jobs != nil {
		postings := intField(jobs.Fields, "postings_count")
		hiring = normalize(float64(postings), 20)
		if postings > 0 {
			urgency = clamp(float64(intField(jobs.Fields, "urgent_count"))/float64(postings), 0, 1)
		}
	}
	if news := results[model.SourceNews]; news != nil {
		mentions := intField(news.Fields, "funding_mentions") + intField(news.Fields, "leadership_mentions")
		leadershipFunding = normalize(float64(mentions), 5)
	}
	if repos := results[model.SourceRepos]; repos != nil {
		techDebt = normalize(float64(intField(repos.Fields, "tech_debt_mentions")), 5)
	}

	weighted := e.weights.HiringVelocity*hiring +
		e.weights.UrgentKeywords*urgency +
		e.weights.LeadershipFunding*leadershipFunding +
		e.weights.TechDebt*techDebt

	return clamp(e.scaleMax*weighted/e.weights.total(), 0, e.scaleMax)
}

// normalize maps a count onto [0, 1] against a saturation ceiling.
func normalize(n, ceiling float64) float64 {
	return clamp(n/ceiling, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// intField reads a numeric field, tolerating the float64 form JSON decoding
// produces after a store round trip.
func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

func stringSliceField(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
