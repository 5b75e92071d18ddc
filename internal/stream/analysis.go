package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"sales-agent/internal/domain"
)

// ErrNoAnalysis is returned when the text carries no analysis block.
var ErrNoAnalysis = errors.New("stream: no analysis block")

// ParseAnalysis extracts the analysis block embedded in a full generator
// response. Extra keys are ignored; an intent outside the vocabulary becomes
// "other" and an unrecognised action becomes "stay", so the extracted facts
// survive a sloppy tag.
func ParseAnalysis(raw string) (domain.Analysis, error) {
	start, size := findMarker(raw, openMarkers)
	if start < 0 {
		return domain.Analysis{}, ErrNoAnalysis
	}
	payload := raw[start+size:]
	if end, _ := findMarker(payload, closeMarkers); end >= 0 {
		payload = payload[:end]
	}

	open := strings.IndexByte(payload, '{')
	closing := strings.LastIndexByte(payload, '}')
	if open < 0 || closing < open {
		return domain.Analysis{}, errors.New("stream: analysis block has no JSON object")
	}

	var out domain.Analysis
	dec := json.NewDecoder(bytes.NewBufferString(payload[open : closing+1]))
	if err := dec.Decode(&out); err != nil {
		return domain.Analysis{}, fmt.Errorf("stream: decode analysis: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.Analysis{}, errors.New("stream: decode analysis: trailing data after object")
	}
	out.Intent = domain.Intent(strings.ToLower(strings.TrimSpace(string(out.Intent))))
	if !out.Intent.Valid() {
		out.Intent = domain.IntentOther
	}
	switch a := domain.Action(strings.ToLower(strings.TrimSpace(string(out.RecommendedAction)))); a {
	case domain.ActionAdvance:
		out.RecommendedAction = a
	default:
		out.RecommendedAction = domain.ActionStay
	}
	return out, nil
}
