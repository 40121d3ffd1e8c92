package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arb-consulting/shallow-review-2025/internal/urlkey"
)

// URLRecord is one row in a phase table. Hash is the primary key and must
// equal sha256(url); ShortHash is its first 8 hex chars.
type URLRecord struct {
	Hash      string          `json:"hash"`
	ShortHash string          `json:"short_hash"`
	URL       string          `json:"url"`
	Status    Status          `json:"status"`
	Source    string          `json:"source"`
	SourceURL string          `json:"source_url,omitempty"`
	Score     *float64        `json:"score,omitempty"`
	AddedAt   time.Time       `json:"added_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// NewCandidate builds a NEW record for insertion. Score carries the collect
// relevancy for classify candidates promoted out of a collect result; nil
// for directly added URLs.
func NewCandidate(url, source, sourceURL string, score *float64) URLRecord {
	hash := urlkey.ForContent(url)
	return URLRecord{
		Hash:      hash,
		ShortHash: urlkey.Short(hash),
		URL:       url,
		Status:    StatusNew,
		Source:    source,
		SourceURL: sourceURL,
		Score:     score,
	}
}

// CheckIntegrity verifies the hash invariants. A mismatch means the row was
// corrupted or written by something that skipped the constructors.
func (r URLRecord) CheckIntegrity() error {
	if want := urlkey.ForContent(r.URL); r.Hash != want {
		return eris.Errorf("model: url record %s: hash mismatch for %s", r.ShortHash, r.URL)
	}
	if r.ShortHash != urlkey.Short(r.Hash) {
		return eris.Errorf("model: url record %s: short hash is not the hash prefix", r.Hash)
	}
	return nil
}

// FetchRecord is one row in the fetch cache. Exactly one of ContentPath or
// Error is set once the attempt has concluded.
type FetchRecord struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"short_hash"`
	URL         string    `json:"url"`
	Kind        string    `json:"kind"`
	FetchedAt   time.Time `json:"fetched_at"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentPath string    `json:"content_path,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NewFetchSuccess builds a concluded success row pointing at a stored blob.
func NewFetchSuccess(url, kind string, statusCode int, contentPath string) FetchRecord {
	hash := urlkey.ForFetch(url, kind)
	return FetchRecord{
		Hash:        hash,
		ShortHash:   urlkey.Short(hash),
		URL:         url,
		Kind:        kind,
		StatusCode:  statusCode,
		ContentPath: contentPath,
	}
}

// NewFetchFailure builds a concluded error row.
func NewFetchFailure(url, kind string, statusCode int, msg string) FetchRecord {
	hash := urlkey.ForFetch(url, kind)
	return FetchRecord{
		Hash:       hash,
		ShortHash:  urlkey.Short(hash),
		URL:        url,
		Kind:       kind,
		StatusCode: statusCode,
		Error:      msg,
	}
}

// Succeeded reports whether the row records a stored blob.
func (r FetchRecord) Succeeded() bool { return r.ContentPath != "" }

// CheckIntegrity verifies the hash invariants and the one-of content/error
// rule.
func (r FetchRecord) CheckIntegrity() error {
	if want := urlkey.ForFetch(r.URL, r.Kind); r.Hash != want {
		return eris.Errorf("model: fetch record %s: hash mismatch for %s (%s)", r.ShortHash, r.URL, r.Kind)
	}
	if r.ShortHash != urlkey.Short(r.Hash) {
		return eris.Errorf("model: fetch record %s: short hash is not the hash prefix", r.Hash)
	}
	if (r.ContentPath == "") == (r.Error == "") {
		return eris.Errorf("model: fetch record %s: exactly one of content_path/error must be set", r.ShortHash)
	}
	return nil
}
