package document

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"

	"github.com/pagerelay/backend/internal/types"
)

// MaxSize limits captures to 10MB to prevent memory exhaustion.
const MaxSize = 10 * 1024 * 1024

const excerptLimit = 2048

// Document is a normalized page capture.
type Document struct {
	Title       string
	Excerpt     string
	HTML        string
	ContentType string
	Charset     string
}

// Ingestor validates and normalizes captures. Safe for concurrent use.
type Ingestor struct {
	sanitizer *bluemonday.Policy
	detector  *chardet.Detector
}

// NewIngestor creates an ingestor with the UGC sanitization policy.
func NewIngestor() *Ingestor {
	return &Ingestor{
		sanitizer: bluemonday.UGCPolicy(),
		detector:  chardet.NewTextDetector(),
	}
}

// Ingest normalizes a raw capture. Non-HTML and oversized input is
// rejected with INVALID_RESPONSE; the returned HTML is sanitized UTF-8.
func (i *Ingestor) Ingest(raw []byte) (*Document, error) {
	if len(raw) == 0 {
		return nil, types.NewError(types.CodeInvalidResponse, "empty document")
	}
	if len(raw) > MaxSize {
		return nil, types.NewError(types.CodeInvalidResponse,
			"document exceeds %d bytes", MaxSize)
	}

	mtype := mimetype.Detect(raw)
	if !mtype.Is("text/html") && !mtype.Is("text/plain") {
		return nil, types.NewError(types.CodeInvalidResponse,
			"unsupported document type %s", mtype.String())
	}

	detected := i.detectCharset(raw)
	utf8Reader, err := charset.NewReader(bytes.NewReader(raw), detected)
	if err != nil {
		// Unconvertible encodings fall back to the raw bytes.
		utf8Reader = bytes.NewReader(raw)
	}

	doc, err := goquery.NewDocumentFromReader(utf8Reader)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidResponse, err, "document parse failed")
	}

	rendered, err := doc.Html()
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidResponse, err, "document render failed")
	}

	return &Document{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Excerpt:     excerpt(doc),
		HTML:        i.sanitizer.Sanitize(rendered),
		ContentType: mtype.String(),
		Charset:     detected,
	}, nil
}

func (i *Ingestor) detectCharset(data []byte) string {
	result, err := i.detector.DetectBest(data)
	if err != nil || result.Charset == "" {
		return "utf-8"
	}
	return result.Charset
}

func excerpt(doc *goquery.Document) string {
	text := normalizeWhitespace(doc.Find("body").Text())
	if len(text) > excerptLimit {
		text = text[:excerptLimit]
	}
	return text
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
