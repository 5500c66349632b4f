package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// FetchResult is the immutable output of one adapter call (or of the AI
// summarize step, which is treated the same way).
type FetchResult struct {
	Source      SourceKey      `json:"source"`
	Payload     []byte         `json:"payload"`
	Fields      map[string]any `json:"fields,omitempty"`
	ContentHash string         `json:"content_hash"`
	FetchedAt   time.Time      `json:"fetched_at"`
}

// NewFetchResult builds a result and stamps its content hash.
func NewFetchResult(source SourceKey, payload []byte, fields map[string]any, fetchedAt time.Time) *FetchResult {
	return &FetchResult{
		Source:      source,
		Payload:     payload,
		Fields:      fields,
		ContentHash: HashContent(payload),
		FetchedAt:   fetchedAt,
	}
}

// HashContent returns the hex sha256 of the payload.
func HashContent(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

var foldCaser = cases.Fold()

// Fingerprint normalizes a company identity into a stable cache-key hash.
// Name casing and surrounding whitespace do not change the fingerprint.
func (c Company) Fingerprint() string {
	name := foldCaser.String(strings.TrimSpace(c.Name))
	domain := strings.ToLower(strings.TrimSpace(c.Domain))
	sum := sha256.Sum256([]byte(name + "|" + domain))
	return hex.EncodeToString(sum[:])
}

// CacheEntry is one cached fetch result. Entries are write-once per
// (source, fingerprint) per TTL window; a new entry supersedes an expired
// one, nothing mutates in place.
type CacheEntry struct {
	Source      SourceKey    `json:"source"`
	Fingerprint string       `json:"fingerprint"`
	Result      *FetchResult `json:"result"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Live reports whether the entry is still valid at now.
func (e *CacheEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
