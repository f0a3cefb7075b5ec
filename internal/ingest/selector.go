package ingest

import (
	"encoding/json"
	"strings"

	"github.com/bluefermion/issuecapture/internal/config"
	"github.com/bluefermion/issuecapture/internal/model"
)

// SelectorNormalizer bounds the DOM locator captured with a screenshot. The
// locator is forensic context only, so normalization never fails.
type SelectorNormalizer struct {
	selectorMax  int
	outerHTMLMax int
}

// NewSelectorNormalizer builds a normalizer from the ingestion limits.
func NewSelectorNormalizer(cfg config.IngestConfig) *SelectorNormalizer {
	return &SelectorNormalizer{selectorMax: cfg.SelectorMaxLen, outerHTMLMax: cfg.OuterHTMLMaxLen}
}

// Normalize returns a storage-safe selector. An absent selector yields the
// zero value; a selector of the wrong shape yields an empty record.
// Non-numeric bounding box values become zero.
func (n *SelectorNormalizer) Normalize(raw json.RawMessage) model.ElementSelector {
	var sel model.ElementSelector
	obj, ok := decodeObject(raw)
	if !ok {
		return sel
	}

	var cut bool
	sel.CSSSelector, cut = n.text(obj["cssSelector"], n.selectorMax)
	sel.Truncated = sel.Truncated || cut
	sel.XPath, cut = n.text(obj["xpath"], n.selectorMax)
	sel.Truncated = sel.Truncated || cut
	sel.OuterHTML, cut = n.text(obj["outerHTML"], n.outerHTMLMax)
	sel.Truncated = sel.Truncated || cut

	if box, ok := decodeObject(obj["boundingBox"]); ok {
		sel.BoundingBox = model.BoundingBox{
			X:      number(box["x"]),
			Y:      number(box["y"]),
			Width:  number(box["width"]),
			Height: number(box["height"]),
		}
	}
	return sel
}

func (n *SelectorNormalizer) text(raw json.RawMessage, max int) (string, bool) {
	s, ok := decodeString(raw)
	if !ok {
		return "", false
	}
	return truncateRunes(strings.TrimSpace(s), max)
}

func number(raw json.RawMessage) float64 {
	f, _ := decodeNumber(raw)
	return f
}
