package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/utils"
)

const pageBreak = "\f"

var blankRuns = regexp.MustCompile(`[ \t]+`)

// LoadFile reads a document from disk, choosing the parser by extension.
func LoadFile(path string) (models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Document{}, &models.ExtractionError{DocumentID: path, Cause: err}
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return LoadPDF(path, title, data)
	case ".html", ".htm":
		return LoadHTML(path, bytes.NewReader(data))
	default:
		return LoadText(path, title, bytes.NewReader(data))
	}
}

// LoadText treats form feeds as page breaks.
func LoadText(source, title string, r io.Reader) (models.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.Document{}, &models.ExtractionError{DocumentID: source, Cause: err}
	}

	doc := newDocument(source, title, data)
	for i, raw := range strings.Split(string(data), pageBreak) {
		if !utf8.ValidString(raw) {
			raw = strings.ToValidUTF8(raw, string(utf8.RuneError))
		}
		doc.Pages = append(doc.Pages, models.Page{Number: i + 1, Blocks: []string{raw}})
	}
	return doc, nil
}

// LoadPDF extracts plain text page by page. A page the parser cannot read,
// including one that makes it panic, is kept as an unreadable page.
func LoadPDF(source, title string, data []byte) (doc models.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.ExtractionError{DocumentID: source, Cause: fmt.Errorf("pdf parser panic: %v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return models.Document{}, &models.ExtractionError{DocumentID: source, Cause: err}
	}

	doc = newDocument(source, title, data)
	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		doc.Pages = append(doc.Pages, readPDFPage(reader, i))
	}
	if total == 0 {
		return doc, &models.ExtractionError{DocumentID: doc.ID, Cause: fmt.Errorf("pdf has no pages")}
	}
	return doc, nil
}

func readPDFPage(reader *pdf.Reader, num int) (page models.Page) {
	page.Number = num
	defer func() {
		if r := recover(); r != nil {
			page = models.Page{Number: num, Unreadable: true, Reason: fmt.Sprintf("parser panic: %v", r)}
		}
	}()

	p := reader.Page(num)
	if p.V.IsNull() {
		return models.Page{Number: num, Unreadable: true, Reason: "missing page object"}
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return models.Page{Number: num, Unreadable: true, Reason: err.Error()}
	}
	page.Blocks = []string{blankRuns.ReplaceAllString(text, " ")}
	return page
}

// LoadHTML strips page chrome and returns the body text as a single page.
func LoadHTML(source string, r io.Reader) (models.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.Document{}, &models.ExtractionError{DocumentID: source, Cause: err}
	}
	html, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return models.Document{}, &models.ExtractionError{DocumentID: source, Cause: err}
	}

	title := strings.TrimSpace(html.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(html.Find("h1").First().Text())
	}
	if title == "" {
		title = "Untitled"
	}

	html.Find("script, style, nav, footer, header, aside").Remove()

	var blocks []string
	html.Find("body").Find("h1, h2, h3, h4, p, li, td, pre").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li").Length() > 0 {
			return
		}
		if t := strings.TrimSpace(blankRuns.ReplaceAllString(s.Text(), " ")); t != "" {
			blocks = append(blocks, t)
		}
	})
	if len(blocks) == 0 {
		if t := strings.TrimSpace(html.Find("body").Text()); t != "" {
			blocks = []string{t}
		}
	}

	doc := newDocument(source, title, data)
	doc.Pages = []models.Page{{Number: 1, Blocks: blocks}}
	if len(blocks) == 0 {
		doc.Pages[0].Unreadable = true
		doc.Pages[0].Reason = "no text content in HTML body"
	}
	return doc, nil
}

func newDocument(source, title string, data []byte) models.Document {
	return models.Document{
		ID:        utils.HashString(string(data))[:24],
		Source:    source,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
}
