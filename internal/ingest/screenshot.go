package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/bluefermion/issuecapture/internal/apperror"
	"github.com/bluefermion/issuecapture/internal/config"
	"github.com/bluefermion/issuecapture/internal/model"
)

// Image is a decoded screenshot whose type and size were derived from its
// bytes.
type Image struct {
	Data     []byte
	MimeType string
	// Size is len(Data); the client's declared fileSize is never used.
	Size int64
	// Width and Height are the declared dimensions, or the probed ones when
	// the client sent none.
	Width  int
	Height int
}

// ParseCapture splits the capture block of a submission into the screenshot
// payload and the still-raw selector. The selector is nil when absent.
func ParseCapture(raw json.RawMessage) (model.ScreenshotPayload, json.RawMessage, error) {
	var p model.ScreenshotPayload

	block, ok := decodeObject(raw)
	if !ok {
		return p, nil, apperror.New(apperror.KindDecode, "screenshot must be an object")
	}
	shot, ok := decodeObject(block["screenshot"])
	if !ok {
		return p, nil, apperror.New(apperror.KindDecode, "screenshot.screenshot must be an object")
	}
	p.DataURL, ok = decodeString(shot["dataUrl"])
	if !ok || strings.TrimSpace(p.DataURL) == "" {
		return p, nil, apperror.New(apperror.KindDecode, "screenshot.dataUrl is required")
	}

	// Advisory fields; wrong shapes read as unset.
	p.MimeType, _ = decodeString(shot["mimeType"])
	p.FileSize, _ = decodeSize(shot["fileSize"])
	p.Width, _ = decodeDimension(shot["width"])
	p.Height, _ = decodeDimension(shot["height"])

	var selector json.RawMessage
	if model.IsPresent(block["selector"]) {
		selector = block["selector"]
	}
	return p, selector, nil
}

// Decoder turns a data-URL into verified image bytes. It is a pure function
// of its input apart from logging.
type Decoder struct {
	allowed  map[string]bool
	maxBytes int64
	logger   *zap.Logger
}

// NewDecoder builds a decoder from the ingestion limits.
func NewDecoder(cfg config.IngestConfig, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(cfg.AllowedMimeTypes))
	for _, m := range cfg.AllowedMimeTypes {
		allowed[model.CanonicalMimeType(m)] = true
	}
	return &Decoder{allowed: allowed, maxBytes: cfg.MaxScreenshotBytes, logger: logger}
}

// Decode parses p.DataURL and checks, in order: the data-URL shape
// (DecodeError), the mime type against the allow-list (UnsupportedMediaType),
// the base64 body (DecodeError), the decoded length (PayloadTooLarge) and
// that the bytes really are the declared type.
func (d *Decoder) Decode(p model.ScreenshotPayload) (*Image, error) {
	mimeType, body, err := splitDataURL(p.DataURL)
	if err != nil {
		return nil, err
	}
	if !d.allowed[mimeType] {
		return nil, apperror.New(apperror.KindUnsupportedMediaType, "mime type %q is not allowed", mimeType)
	}
	if declared := model.CanonicalMimeType(p.MimeType); declared != "" && !d.allowed[declared] {
		return nil, apperror.New(apperror.KindUnsupportedMediaType, "declared mime type %q is not allowed", declared)
	}

	body = stripSpace(body)
	// Reject by encoded length before allocating the decoded buffer.
	if upper := int64(base64.StdEncoding.DecodedLen(len(body))); upper-2 > d.maxBytes {
		return nil, apperror.New(apperror.KindPayloadTooLarge,
			"screenshot exceeds %s", humanize.IBytes(uint64(d.maxBytes)))
	}

	data, err := decodeBase64(body)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindDecode, err, "screenshot body is not valid base64")
	}
	size := int64(len(data))
	switch {
	case size == 0:
		return nil, apperror.New(apperror.KindPayloadTooLarge, "screenshot is empty")
	case size > d.maxBytes:
		return nil, apperror.New(apperror.KindPayloadTooLarge,
			"screenshot is %s, limit %s", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(d.maxBytes)))
	}

	if sniffed := http.DetectContentType(data); sniffed != mimeType {
		return nil, apperror.New(apperror.KindDecode, "content is %s, declared %s", sniffed, mimeType)
	}

	if p.FileSize > 0 && p.FileSize != size {
		d.logger.Debug("declared screenshot size differs from decoded size",
			zap.Int64("declared", p.FileSize), zap.Int64("decoded", size))
	}

	img := &Image{Data: data, MimeType: mimeType, Size: size, Width: p.Width, Height: p.Height}
	d.probeDimensions(img)
	return img, nil
}

// probeDimensions reads the image header. Declared dimensions are kept as
// metadata; a mismatch is only logged. Missing ones are filled in.
func (d *Decoder) probeDimensions(img *Image) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		d.logger.Warn("screenshot header could not be probed",
			zap.String("mimeType", img.MimeType), zap.Error(err))
		return
	}
	if img.Width == 0 && img.Height == 0 {
		img.Width, img.Height = cfg.Width, cfg.Height
		return
	}
	if img.Width != cfg.Width || img.Height != cfg.Height {
		d.logger.Warn("declared screenshot dimensions differ from image",
			zap.Int("declaredWidth", img.Width), zap.Int("declaredHeight", img.Height),
			zap.Int("width", cfg.Width), zap.Int("height", cfg.Height))
	}
}

// splitDataURL parses "data:<mime>[;param]*;base64,<body>". Only base64
// data-URLs carry binary safely, so other encodings are rejected.
func splitDataURL(s string) (mimeType, body string, err error) {
	s = strings.TrimSpace(s)
	const scheme = "data:"
	if len(s) < len(scheme) || !strings.EqualFold(s[:len(scheme)], scheme) {
		return "", "", apperror.New(apperror.KindDecode, "screenshot is not a data URL")
	}
	header, body, ok := strings.Cut(s[len(scheme):], ",")
	if !ok {
		return "", "", apperror.New(apperror.KindDecode, "data URL has no body")
	}
	params := strings.Split(header, ";")
	if len(params) < 2 || !strings.EqualFold(strings.TrimSpace(params[len(params)-1]), "base64") {
		return "", "", apperror.New(apperror.KindDecode, "data URL is not base64 encoded")
	}
	mimeType = model.CanonicalMimeType(params[0])
	if mimeType == "" {
		return "", "", apperror.New(apperror.KindDecode, "data URL has no media type")
	}
	return mimeType, body, nil
}

// stripSpace drops the line breaks some encoders insert.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// decodeBase64 accepts padded or unpadded standard base64.
func decodeBase64(body string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err == nil {
		return data, nil
	}
	if !strings.HasSuffix(body, "=") {
		if raw, rerr := base64.RawStdEncoding.DecodeString(body); rerr == nil {
			return raw, nil
		}
	}
	return nil, err
}
