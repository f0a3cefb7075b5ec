package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/config"
	"github.com/bluefermion/issuecapture/internal/model"
)

// Validator turns a raw SubmissionRequest into a typed Submission.
//
// Only title, description and severity are load-bearing: problems with them
// reject the submission, and every offending field is reported at once.
// Metadata is diagnostic, so values of the wrong shape are dropped and
// over-long strings are cut to the configured bound.
type Validator struct {
	titleMax       int
	descriptionMax int
	metadataMax    int
}

// NewValidator builds a validator from the ingestion limits.
func NewValidator(cfg config.IngestConfig) *Validator {
	return &Validator{
		titleMax:       cfg.TitleMaxLen,
		descriptionMax: cfg.DescriptionMaxLen,
		metadataMax:    cfg.MetadataFieldMax,
	}
}

// Validate checks req and returns the Submission filed under scope. It has
// no side effects.
func (v *Validator) Validate(req model.SubmissionRequest, scope model.Scope) (model.Submission, error) {
	var fields []apperror.FieldError

	title, fe := requiredText("title", req.Title, v.titleMax)
	if fe != nil {
		fields = append(fields, *fe)
	}
	description, fe := requiredText("description", req.Description, v.descriptionMax)
	if fe != nil {
		fields = append(fields, *fe)
	}
	severity, fe := requiredSeverity(req.Severity)
	if fe != nil {
		fields = append(fields, *fe)
	}

	if len(fields) > 0 {
		return model.Submission{}, apperror.Validation(fields...)
	}

	sub := model.Submission{
		Scope:       scope,
		Title:       title,
		Description: description,
		Severity:    severity,
		Metadata:    v.coerceMetadata(req.Metadata),
	}
	if model.IsPresent(req.Screenshot) {
		sub.Screenshot = req.Screenshot
	}
	return sub, nil
}

func requiredText(name string, raw json.RawMessage, max int) (string, *apperror.FieldError) {
	if !model.IsPresent(raw) {
		return "", &apperror.FieldError{Field: name, Message: "is required"}
	}
	s, ok := decodeString(raw)
	if !ok {
		return "", &apperror.FieldError{Field: name, Message: "must be a string"}
	}
	s = strings.TrimSpace(cleanText(s))
	if s == "" {
		return "", &apperror.FieldError{Field: name, Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(s); max > 0 && n > max {
		return "", &apperror.FieldError{Field: name, Message: "must be at most " + strconv.Itoa(max) + " characters"}
	}
	return s, nil
}

func requiredSeverity(raw json.RawMessage) (model.Severity, *apperror.FieldError) {
	if !model.IsPresent(raw) {
		return "", &apperror.FieldError{Field: "severity", Message: "is required"}
	}
	s, ok := decodeString(raw)
	if !ok {
		return "", &apperror.FieldError{Field: "severity", Message: "must be a string"}
	}
	sev, ok := model.ParseSeverity(s)
	if !ok {
		names := make([]string, len(model.Severities))
		for i, k := range model.Severities {
			names[i] = string(k)
		}
		return "", &apperror.FieldError{Field: "severity", Message: "must be one of " + strings.Join(names, ", ")}
	}
	return sev, nil
}

func (v *Validator) coerceMetadata(raw json.RawMessage) model.Metadata {
	var md model.Metadata
	obj, ok := decodeObject(raw)
	if !ok {
		return md
	}

	md.URL = v.metaString(obj["url"])
	md.UserAgent = v.metaString(obj["userAgent"])
	md.Language = v.metaString(obj["language"])
	md.Timezone = v.metaString(obj["timezone"])
	md.Viewport = coerceDimensions(obj["viewport"])
	md.Screen = coerceDimensions(obj["screen"])

	// Widgets send either an ISO string or Date.now().
	if s, ok := decodeString(obj["timestamp"]); ok {
		md.Timestamp, _ = truncateRunes(strings.TrimSpace(s), v.metadataMax)
	} else if f, ok := decodeNumber(obj["timestamp"]); ok {
		md.Timestamp = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return md
}

func (v *Validator) metaString(raw json.RawMessage) string {
	s, ok := decodeString(raw)
	if !ok {
		return ""
	}
	s, _ = truncateRunes(strings.TrimSpace(s), v.metadataMax)
	return s
}

func coerceDimensions(raw json.RawMessage) *model.Dimensions {
	obj, ok := decodeObject(raw)
	if !ok {
		return nil
	}
	w, wok := decodeDimension(obj["width"])
	h, hok := decodeDimension(obj["height"])
	if !wok || !hok {
		return nil
	}
	return &model.Dimensions{Width: w, Height: h}
}
