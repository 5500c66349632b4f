package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cacheServer string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Result cache maintenance",
}

// The result cache lives inside the server process, so purging goes through
// its admin endpoint rather than touching state directly.
var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop expired cache entries on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := strings.TrimRight(cacheServer, "/") + "/admin/cache/purge"
		client := &http.Client{Timeout: 10 * time.Second}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
		if err != nil {
			return eris.Wrap(err, "build purge request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return eris.Wrap(err, "call purge endpoint")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("purge endpoint returned %d", resp.StatusCode)
		}

		var out struct {
			Purged int `json:"purged"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return eris.Wrap(err, "decode purge response")
		}
		fmt.Printf("purged %d expired entries\n", out.Purged)
		return nil
	},
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheServer, "server", "http://localhost:8080", "base URL of the running server")
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
