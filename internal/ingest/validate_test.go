package ingest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/model"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func validRequest() model.SubmissionRequest {
	return model.SubmissionRequest{
		ProjectKey:  raw(`"proj_validkey"`),
		Title:       raw(`"t"`),
		Description: raw(`"d"`),
		Severity:    raw(`"medium"`),
	}
}

var testScope = model.Scope{ProjectID: "proj-1", EnvironmentID: "env-1"}

func TestValidateMinimal(t *testing.T) {
	v := NewValidator(testIngestConfig())

	sub, err := v.Validate(validRequest(), testScope)
	require.NoError(t, err)
	assert.Equal(t, "t", sub.Title)
	assert.Equal(t, "d", sub.Description)
	assert.Equal(t, model.SeverityMedium, sub.Severity)
	assert.Equal(t, testScope, sub.Scope)
	assert.False(t, sub.HasScreenshot())
}

func TestValidateTrimsAndNormalizes(t *testing.T) {
	v := NewValidator(testIngestConfig())
	req := validRequest()
	req.Title = raw(`"  Broken button  "`)
	req.Severity = raw(`"HIGH"`)

	sub, err := v.Validate(req, testScope)
	require.NoError(t, err)
	assert.Equal(t, "Broken button", sub.Title)
	assert.Equal(t, model.SeverityHigh, sub.Severity)
}

func TestValidateReportsEveryBadField(t *testing.T) {
	v := NewValidator(testIngestConfig())

	_, err := v.Validate(model.SubmissionRequest{
		Title:    raw(`42`),
		Severity: raw(`"urgent"`),
	}, testScope)
	require.Error(t, err)
	assert.True(t, apperror.Has(err, apperror.KindValidation))

	byField := map[string]string{}
	for _, f := range apperror.FieldsOf(err) {
		byField[f.Field] = f.Message
	}
	assert.Equal(t, "must be a string", byField["title"])
	assert.Equal(t, "is required", byField["description"])
	assert.Contains(t, byField["severity"], "low, medium, high, critical")
}

func TestValidateLengthBounds(t *testing.T) {
	v := NewValidator(testIngestConfig())

	tests := []struct {
		name  string
		title string
		ok    bool
	}{
		{"blank", `"   "`, false},
		{"null", `null`, false},
		{"at limit", `"` + strings.Repeat("a", 200) + `"`, true},
		{"over limit", `"` + strings.Repeat("a", 201) + `"`, false},
		// Characters, not bytes.
		{"multibyte at limit", `"` + strings.Repeat("é", 200) + `"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			req.Title = raw(tt.title)
			_, err := v.Validate(req, testScope)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			fields := apperror.FieldsOf(err)
			require.Len(t, fields, 1)
			assert.Equal(t, "title", fields[0].Field)
		})
	}

	req := validRequest()
	req.Description = raw(`"` + strings.Repeat("d", 5001) + `"`)
	_, err := v.Validate(req, testScope)
	assert.True(t, apperror.Has(err, apperror.KindValidation))
}

func TestValidateCoercesMetadata(t *testing.T) {
	cfg := testIngestConfig()
	cfg.MetadataFieldMax = 32
	v := NewValidator(cfg)

	req := validRequest()
	req.Metadata = raw(`{
		"url": "https://example.com/` + strings.Repeat("x", 100) + `",
		"userAgent": {"name": "not a string"},
		"viewport": {"width": "1024", "height": 768},
		"screen": {"width": "wide", "height": 1080},
		"language": 42,
		"timezone": "Europe/Paris",
		"timestamp": 1700000000000
	}`)

	sub, err := v.Validate(req, testScope)
	require.NoError(t, err)

	md := sub.Metadata
	assert.Len(t, []rune(md.URL), 32)
	assert.Empty(t, md.UserAgent)
	require.NotNil(t, md.Viewport)
	assert.Equal(t, model.Dimensions{Width: 1024, Height: 768}, *md.Viewport)
	assert.Nil(t, md.Screen)
	assert.Empty(t, md.Language)
	assert.Equal(t, "Europe/Paris", md.Timezone)
	assert.Equal(t, "1700000000000", md.Timestamp)
}

func TestValidateIgnoresMalformedMetadata(t *testing.T) {
	v := NewValidator(testIngestConfig())

	for _, md := range []string{`[1,2]`, `"text"`, `null`, `{"viewport": {"width": -1, "height": 2}}`, `{"viewport": {"width": 1.5, "height": 2}}`} {
		req := validRequest()
		req.Metadata = raw(md)
		sub, err := v.Validate(req, testScope)
		require.NoError(t, err, md)
		assert.Equal(t, model.Metadata{}, sub.Metadata, md)
	}
}

func TestValidateCarriesScreenshotBlock(t *testing.T) {
	v := NewValidator(testIngestConfig())

	req := validRequest()
	req.Screenshot = raw(`null`)
	sub, err := v.Validate(req, testScope)
	require.NoError(t, err)
	assert.False(t, sub.HasScreenshot())

	req.Screenshot = raw(`{"screenshot": {"dataUrl": "data:image/png;base64,AAAA"}}`)
	sub, err = v.Validate(req, testScope)
	require.NoError(t, err)
	assert.True(t, sub.HasScreenshot())
}

func TestValidateDropsNUL(t *testing.T) {
	v := NewValidator(testIngestConfig())

	req := validRequest()
	req.Title = raw(`"Pay\u0000 button"`)
	req.Description = raw(`"broken\u0000"`)
	req.Metadata = raw(`{"url": "https://shop.example.com/\u0000cart", "userAgent": "\u0000"}`)

	sub, err := v.Validate(req, testScope)
	require.NoError(t, err)
	assert.Equal(t, "Pay button", sub.Title)
	assert.Equal(t, "broken", sub.Description)
	assert.Equal(t, "https://shop.example.com/cart", sub.Metadata.URL)
	assert.Empty(t, sub.Metadata.UserAgent)

	req = validRequest()
	req.Title = raw(`"\u0000\u0000"`)
	_, err = v.Validate(req, testScope)
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}
