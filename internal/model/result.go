package model

import (
	"github.com/rotisserie/eris"

	"github.com/arb-consulting/shallow-review-2025/internal/urlkey"
)

// CollectItem is one candidate link extracted from a source page.
type CollectItem struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Relevancy float64 `json:"relevancy"`
	Published string  `json:"published,omitempty"`
}

// CollectResult is the structured output of the collect phase for one
// source page: the candidate links it carries and an overall quality score
// for the source itself.
type CollectResult struct {
	Items         []CollectItem `json:"items"`
	SourceQuality float64       `json:"source_quality"`
	Notes         string        `json:"notes,omitempty"`
}

// Validate checks structural constraints on a parsed collect result.
func (r CollectResult) Validate() error {
	if r.SourceQuality < 0 || r.SourceQuality > 1 {
		return eris.Errorf("model: collect result: source_quality %v out of [0,1]", r.SourceQuality)
	}
	for i, item := range r.Items {
		if err := urlkey.Validate(item.URL); err != nil {
			return eris.Wrapf(err, "model: collect result: item %d", i)
		}
		if item.Relevancy < 0 || item.Relevancy > 1 {
			return eris.Errorf("model: collect result: item %d relevancy %v out of [0,1]", i, item.Relevancy)
		}
	}
	return nil
}

// Classification is the structured output of the classify phase for one
// candidate page.
type Classification struct {
	Categories []string `json:"categories"`
	Relevancy  float64  `json:"relevancy"`
	Confidence float64  `json:"confidence"`
	Title      string   `json:"title,omitempty"`
	Summary    string   `json:"summary,omitempty"`
}

// Validate checks structural constraints on a parsed classification.
// Taxonomy membership is checked separately by the caller, which owns the
// loaded taxonomy.
func (c Classification) Validate() error {
	if len(c.Categories) == 0 {
		return eris.New("model: classification: no categories")
	}
	for i, id := range c.Categories {
		if id == "" {
			return eris.Errorf("model: classification: empty category id at %d", i)
		}
	}
	if c.Relevancy < 0 || c.Relevancy > 1 {
		return eris.Errorf("model: classification: relevancy %v out of [0,1]", c.Relevancy)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return eris.Errorf("model: classification: confidence %v out of [0,1]", c.Confidence)
	}
	return nil
}

// PhaseDetection is the structured output of source/content auto-detection
// at ingestion time.
type PhaseDetection struct {
	Phase      string  `json:"phase"`
	Confidence float64 `json:"confidence"`
}

// Validate checks that the detected phase names a real phase.
func (d PhaseDetection) Validate() error {
	if _, err := ParsePhase(d.Phase); err != nil {
		return eris.Wrap(err, "model: phase detection")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return eris.Errorf("model: phase detection: confidence %v out of [0,1]", d.Confidence)
	}
	return nil
}
