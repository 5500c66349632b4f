package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

// urgentKeywords flag hiring urgency in posting titles and blurbs.
var urgentKeywords = []string{
	"urgent", "immediate", "asap", "fast-growing", "rapidly growing",
	"scaling", "ground floor", "hypergrowth",
}

// JobsAdapter queries a job-board search API for the company's open
// postings.
type JobsAdapter struct {
	client *http.Client
	opts   Options
}

func (a *JobsAdapter) Source() model.SourceKey { return model.SourceJobs }

type jobPosting struct {
	Title     string `json:"title"`
	Location  string `json:"location"`
	Snippet   string `json:"snippet"`
	PostedAt  string `json:"posted_at"`
	Remote    bool   `json:"remote"`
	Engineers bool   `json:"engineering"`
}

type jobsResponse struct {
	Company  string       `json:"company"`
	Total    int          `json:"total"`
	Postings []jobPosting `json:"postings"`
}

func (a *JobsAdapter) Fetch(ctx context.Context, company model.Company) (*model.FetchResult, error) {
	if company.Name == "" {
		return nil, resilience.Permanent(string(model.SourceJobs), eris.New("company has no name"))
	}
	if a.opts.JobsBaseURL == "" {
		return nil, resilience.Permanent(string(model.SourceJobs), eris.New("jobs base url not configured"))
	}

	q := fmt.Sprintf("%s/search?company=%s", strings.TrimRight(a.opts.JobsBaseURL, "/"), url.QueryEscape(company.Name))
	body, err := doGet(ctx, a.client, string(model.SourceJobs), q, a.opts.UserAgent)
	if err != nil {
		return nil, err
	}

	var resp jobsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, resilience.Permanent(string(model.SourceJobs), eris.Wrap(err, "decode job board response"))
	}

	urgent := 0
	engineering := 0
	var titles []string
	for _, p := range resp.Postings {
		titles = append(titles, p.Title)
		text := strings.ToLower(p.Title + " " + p.Snippet)
		for _, kw := range urgentKeywords {
			if strings.Contains(text, kw) {
				urgent++
				break
			}
		}
		if p.Engineers {
			engineering++
		}
	}

	fields := map[string]any{
		"postings_count":    resp.Total,
		"urgent_count":      urgent,
		"engineering_count": engineering,
		"titles":            titles,
	}
	return model.NewFetchResult(model.SourceJobs, body, fields, time.Now().UTC()), nil
}
