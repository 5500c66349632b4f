// Package adapter implements the source adapter contract: given a company,
// fetch raw content from one external data source and return a typed result
// or a typed failure. Adapters perform no caching and no rate limiting;
// both belong to the fetch gate.
package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
)

// Adapter fetches raw content from one data source. Implementations must be
// side-effect-free beyond the network call itself.
type Adapter interface {
	Source() model.SourceKey
	Fetch(ctx context.Context, company model.Company) (*model.FetchResult, error)
}

// Options configures the adapter set.
type Options struct {
	UserAgent    string
	JobsBaseURL  string
	ReposBaseURL string
	NewsBaseURL  string
}

// Registry is the fixed set of known adapters. Sources are a closed
// enumeration; a new source means a new Adapter implementation here, not
// runtime plugin loading.
type Registry map[model.SourceKey]Adapter

// NewRegistry builds the full adapter set over a shared HTTP client.
func NewRegistry(client *http.Client, opts Options) Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "prospect-intel/1.0"
	}
	return Registry{
		model.SourceSite:  &SiteAdapter{client: client, opts: opts},
		model.SourceJobs:  &JobsAdapter{client: client, opts: opts},
		model.SourceRepos: &ReposAdapter{client: client, opts: opts},
		model.SourceNews:  &NewsAdapter{client: client, opts: opts},
	}
}

// Get returns the adapter for a source key, or a permanent error for an
// unknown key (unknown keys are normally rejected at submission).
func (r Registry) Get(src model.SourceKey) (Adapter, error) {
	a, ok := r[src]
	if !ok {
		return nil, resilience.Permanent(string(src), errNoAdapter(src))
	}
	return a, nil
}

type errNoAdapter model.SourceKey

func (e errNoAdapter) Error() string {
	return "no adapter registered for source " + string(e)
}
