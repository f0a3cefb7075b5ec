package ingest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/config"
	"github.com/bluefermion/issuecapture/internal/model"
)

// samplePNG is a 1x1 PNG with a tEXt chunk, 95 bytes decoded.
const (
	samplePNG       = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADXRFWHRDb21tZW50AHNob3QxDyuKmQAAAA1JREFUeNpj+M/A8B8ABQAB/1bHLw0AAAAASUVORK5CYII="
	samplePNGSize   = 95
	samplePNGSHA256 = "e24f024f87940ad1673f83161259640b0d50b1077c2804b60782f51371f99954"
)

func sampleBytes(t *testing.T) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(samplePNG)
	require.NoError(t, err)
	return b
}

func testIngestConfig() config.IngestConfig {
	return config.Default().Ingest
}

func TestDecodeSamplePNG(t *testing.T) {
	d := NewDecoder(testIngestConfig(), nil)

	img, err := d.Decode(model.ScreenshotPayload{
		DataURL:  "data:image/png;base64," + samplePNG,
		MimeType: "image/png",
		FileSize: 4096,
	})
	require.NoError(t, err)

	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, int64(samplePNGSize), img.Size)
	assert.Len(t, img.Data, samplePNGSize)
	sum := sha256.Sum256(img.Data)
	assert.Equal(t, samplePNGSHA256, hex.EncodeToString(sum[:]))
	assert.Equal(t, 1, img.Width)
	assert.Equal(t, 1, img.Height)
}

func TestDecodeAcceptsEncoderVariants(t *testing.T) {
	d := NewDecoder(testIngestConfig(), nil)

	tests := map[string]string{
		"unpadded":       "data:image/png;base64," + strings.TrimRight(samplePNG, "="),
		"line breaks":    "data:image/png;base64," + samplePNG[:40] + "\n" + samplePNG[40:80] + "\r\n" + samplePNG[80:],
		"upper scheme":   "DATA:image/PNG;base64," + samplePNG,
		"charset param":  "data:image/png;charset=binary;base64," + samplePNG,
		"surrounding ws": "  data:image/png;base64," + samplePNG + "  ",
	}
	for name, url := range tests {
		t.Run(name, func(t *testing.T) {
			img, err := d.Decode(model.ScreenshotPayload{DataURL: url})
			require.NoError(t, err)
			assert.Equal(t, sampleBytes(t), img.Data)
		})
	}
}

func TestDecodeFailures(t *testing.T) {
	cfg := testIngestConfig()
	cfg.MaxScreenshotBytes = 64
	d := NewDecoder(cfg, nil)

	tests := []struct {
		name    string
		payload model.ScreenshotPayload
		kind    apperror.Kind
	}{
		{"mime outside allow-list", model.ScreenshotPayload{DataURL: "data:image/svg+xml;base64,PHN2Zy8+"}, apperror.KindUnsupportedMediaType},
		{"declared mime outside allow-list", model.ScreenshotPayload{DataURL: "data:image/png;base64,AAAA", MimeType: "application/pdf"}, apperror.KindUnsupportedMediaType},
		{"larger than ceiling", model.ScreenshotPayload{DataURL: "data:image/png;base64," + samplePNG}, apperror.KindPayloadTooLarge},
		{"empty body", model.ScreenshotPayload{DataURL: "data:image/png;base64,"}, apperror.KindPayloadTooLarge},
		{"malformed base64", model.ScreenshotPayload{DataURL: "data:image/png;base64,@@@@"}, apperror.KindDecode},
		{"not a data URL", model.ScreenshotPayload{DataURL: "https://example.com/shot.png"}, apperror.KindDecode},
		{"not base64 encoded", model.ScreenshotPayload{DataURL: "data:image/png,rawbytes"}, apperror.KindDecode},
		{"no comma", model.ScreenshotPayload{DataURL: "data:image/png;base64"}, apperror.KindDecode},
		{"no media type", model.ScreenshotPayload{DataURL: "data:;base64,AAAA"}, apperror.KindDecode},
		{"bytes are not the declared type", model.ScreenshotPayload{DataURL: "data:image/gif;base64,aGVsbG8gd29ybGQ="}, apperror.KindDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.payload)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperror.KindOf(err), err.Error())
		})
	}
}

func TestDecodeIgnoresDeclaredSize(t *testing.T) {
	cfg := testIngestConfig()
	cfg.MaxScreenshotBytes = 100
	d := NewDecoder(cfg, nil)

	// A declared size over the ceiling does not matter; the decoded one does.
	img, err := d.Decode(model.ScreenshotPayload{
		DataURL:  "data:image/png;base64," + samplePNG,
		FileSize: 10 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(samplePNGSize), img.Size)
}

func TestDecodeJPEGLabelForPNGBytes(t *testing.T) {
	d := NewDecoder(testIngestConfig(), nil)
	_, err := d.Decode(model.ScreenshotPayload{DataURL: "data:image/jpg;base64," + samplePNG})
	assert.True(t, apperror.Has(err, apperror.KindDecode))
}

func TestDecodeKeepsDeclaredDimensions(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewDecoder(testIngestConfig(), zap.New(core))

	img, err := d.Decode(model.ScreenshotPayload{
		DataURL: "data:image/png;base64," + samplePNG,
		Width:   1280,
		Height:  720,
	})
	require.NoError(t, err)

	assert.Equal(t, 1280, img.Width)
	assert.Equal(t, 720, img.Height)
	assert.Equal(t, 1, logs.FilterMessage("declared screenshot dimensions differ from image").Len())
}

func TestParseCapture(t *testing.T) {
	raw := json.RawMessage(`{
		"screenshot": {"dataUrl": "data:image/png;base64,AAAA", "mimeType": "image/png", "fileSize": "95", "width": 1, "height": "x"},
		"selector": {"cssSelector": "#app"}
	}`)

	p, selector, err := ParseCapture(raw)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAAA", p.DataURL)
	assert.Equal(t, "image/png", p.MimeType)
	assert.Equal(t, int64(95), p.FileSize)
	assert.Equal(t, 1, p.Width)
	assert.Zero(t, p.Height)
	assert.JSONEq(t, `{"cssSelector": "#app"}`, string(selector))
}

func TestParseCaptureFailures(t *testing.T) {
	for _, raw := range []string{
		`"data:image/png;base64,AAAA"`,
		`{}`,
		`{"screenshot": []}`,
		`{"screenshot": {"dataUrl": 12}}`,
		`{"screenshot": {"dataUrl": "   "}}`,
	} {
		_, _, err := ParseCapture(json.RawMessage(raw))
		assert.True(t, apperror.Has(err, apperror.KindDecode), raw)
	}
}

func TestParseCaptureWithoutSelector(t *testing.T) {
	_, selector, err := ParseCapture(json.RawMessage(`{"screenshot": {"dataUrl": "data:image/png;base64,AAAA"}, "selector": null}`))
	require.NoError(t, err)
	assert.Nil(t, selector)
}

func TestParseCaptureIgnoresImplausibleFileSize(t *testing.T) {
	for _, size := range []string{`1e300`, `-5`, `1.5`, `9223372036854775808`} {
		p, _, err := ParseCapture(json.RawMessage(`{"screenshot": {"dataUrl": "data:image/png;base64,AAAA", "fileSize": ` + size + `}}`))
		require.NoError(t, err, size)
		assert.Zero(t, p.FileSize, size)
	}
}
