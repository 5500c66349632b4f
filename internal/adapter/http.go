package adapter

import (
	"context"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/resilience"
)

// maxBodyBytes caps how much of any response an adapter will read.
const maxBodyBytes = 4 << 20

// doGet performs one GET and classifies the outcome per the source error
// taxonomy: transport errors and 5xx-class statuses are retryable, 4xx-class
// statuses are permanent.
func doGet(ctx context.Context, client *http.Client, source, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilience.Permanent(source, eris.Wrapf(err, "build request for %s", url))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		// Timeouts and connection failures are transport-level transients.
		return nil, resilience.Retryable(source, eris.Wrapf(err, "get %s", url))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("http %d from %s", resp.StatusCode, url)
		if resilience.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, resilience.RetryableStatus(source, statusErr, resp.StatusCode)
		}
		return nil, resilience.PermanentStatus(source, statusErr, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.Retryable(source, eris.Wrapf(err, "read body from %s", url))
	}
	return body, nil
}
