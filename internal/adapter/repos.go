package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

// debtMarkers are issue/description phrases that hint at technical debt.
var debtMarkers = []string{
	"legacy", "migration", "refactor", "rewrite", "deprecated", "tech debt",
}

// ReposAdapter lists the company's public repositories from a code host
// org API.
type ReposAdapter struct {
	client *http.Client
	opts   Options
}

func (a *ReposAdapter) Source() model.SourceKey { return model.SourceRepos }

type repoRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	PushedAt    string `json:"pushed_at"`
	Archived    bool   `json:"archived"`
	Stars       int    `json:"stargazers_count"`
}

func (a *ReposAdapter) Fetch(ctx context.Context, company model.Company) (*model.FetchResult, error) {
	if company.Name == "" {
		return nil, resilience.Permanent(string(model.SourceRepos), eris.New("company has no name"))
	}
	if a.opts.ReposBaseURL == "" {
		return nil, resilience.Permanent(string(model.SourceRepos), eris.New("repos base url not configured"))
	}

	org := strings.ToLower(strings.ReplaceAll(company.Name, " ", "-"))
	q := fmt.Sprintf("%s/orgs/%s/repos?per_page=100", strings.TrimRight(a.opts.ReposBaseURL, "/"), url.PathEscape(org))
	body, err := doGet(ctx, a.client, string(model.SourceRepos), q, a.opts.UserAgent)
	if err != nil {
		return nil, err
	}

	var repos []repoRecord
	if err := json.Unmarshal(body, &repos); err != nil {
		return nil, resilience.Permanent(string(model.SourceRepos), eris.Wrap(err, "decode repo list"))
	}

	cutoff := time.Now().UTC().AddDate(0, -3, 0)
	languages := make(map[string]int)
	recentPushes := 0
	debtMentions := 0
	for _, r := range repos {
		if r.Language != "" {
			languages[r.Language]++
		}
		if pushed, err := time.Parse(time.RFC3339, r.PushedAt); err == nil && pushed.After(cutoff) {
			recentPushes++
		}
		desc := strings.ToLower(r.Description)
		for _, m := range debtMarkers {
			if strings.Contains(desc, m) {
				debtMentions++
				break
			}
		}
	}

	langList := make([]string, 0, len(languages))
	for lang := range languages {
		langList = append(langList, lang)
	}
	sort.Strings(langList)

	fields := map[string]any{
		"repo_count":         len(repos),
		"languages":          langList,
		"recent_pushes":      recentPushes,
		"tech_debt_mentions": debtMentions,
	}
	return model.NewFetchResult(model.SourceRepos, body, fields, time.Now().UTC()), nil
}
