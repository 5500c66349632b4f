package adapter

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

// techKeywords are stack hints scanned for on company pages.
var techKeywords = []string{
	"kubernetes", "terraform", "aws", "gcp", "azure", "react", "golang",
	"python", "postgres", "kafka", "snowflake", "microservices", "graphql",
}

// SiteAdapter scrapes the company's own website homepage.
type SiteAdapter struct {
	client *http.Client
	opts   Options
}

func (a *SiteAdapter) Source() model.SourceKey { return model.SourceSite }

func (a *SiteAdapter) Fetch(ctx context.Context, company model.Company) (*model.FetchResult, error) {
	if company.Domain == "" {
		return nil, resilience.Permanent(string(model.SourceSite), eris.New("company has no domain"))
	}

	url := company.Domain
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	body, err := doGet(ctx, a.client, string(model.SourceSite), url, a.opts.UserAgent)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(string(model.SourceSite), eris.Wrap(err, "parse html"))
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	description, _ := doc.Find(`meta[name="description"]`).Attr("content")

	text := strings.ToLower(doc.Text())
	var mentions []string
	for _, kw := range techKeywords {
		if strings.Contains(text, kw) {
			mentions = append(mentions, kw)
		}
	}

	fields := map[string]any{
		"title":         title,
		"description":   strings.TrimSpace(description),
		"tech_mentions": mentions,
	}
	return model.NewFetchResult(model.SourceSite, body, fields, time.Now().UTC()), nil
}
