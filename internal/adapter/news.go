package adapter

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

var (
	fundingKeywords    = []string{"funding", "raised", "series a", "series b", "series c", "seed round", "investment"}
	leadershipKeywords = []string{"appoints", "names", "hires", "new ceo", "new cto", "new cfo", "joins as"}
)

// NewsAdapter pulls recent company mentions from an RSS news feed.
type NewsAdapter struct {
	client *http.Client
	opts   Options
}

func (a *NewsAdapter) Source() model.SourceKey { return model.SourceNews }

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Link        string `xml:"link"`
}

func (a *NewsAdapter) Fetch(ctx context.Context, company model.Company) (*model.FetchResult, error) {
	if company.Name == "" {
		return nil, resilience.Permanent(string(model.SourceNews), eris.New("company has no name"))
	}
	if a.opts.NewsBaseURL == "" {
		return nil, resilience.Permanent(string(model.SourceNews), eris.New("news base url not configured"))
	}

	q := fmt.Sprintf("%s/rss?q=%s", strings.TrimRight(a.opts.NewsBaseURL, "/"), url.QueryEscape(company.Name))
	body, err := doGet(ctx, a.client, string(model.SourceNews), q, a.opts.UserAgent)
	if err != nil {
		return nil, err
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, resilience.Permanent(string(model.SourceNews), eris.Wrap(err, "decode rss feed"))
	}

	funding := 0
	leadership := 0
	var headlines []string
	for _, item := range feed.Channel.Items {
		headlines = append(headlines, item.Title)
		text := strings.ToLower(item.Title + " " + item.Description)
		for _, kw := range fundingKeywords {
			if strings.Contains(text, kw) {
				funding++
				break
			}
		}
		for _, kw := range leadershipKeywords {
			if strings.Contains(text, kw) {
				leadership++
				break
			}
		}
	}

	fields := map[string]any{
		"article_count":       len(feed.Channel.Items),
		"funding_mentions":    funding,
		"leadership_mentions": leadership,
		"headlines":           headlines,
	}
	return model.NewFetchResult(model.SourceNews, body, fields, time.Now().UTC()), nil
}
