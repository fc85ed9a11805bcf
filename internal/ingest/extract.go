package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const (
	fetchTimeout = 30 * time.Second
	// maxFetchBytes bounds how much of a remote page is read.
	maxFetchBytes = 4 << 20
)

// Page is the extraction result: a title and the visible text.
type Page struct {
	URL   string
	Title string
	Text  string
}

// FromURL fetches a page and extracts its title and visible text. Used
// by the manual "remember this page" path where no browser capture is
// available.
func FromURL(ctx context.Context, rawURL string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "retrace/1.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}

	page, err := FromHTML(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, err
	}
	page.URL = rawURL
	return page, nil
}

// FromHTML parses an HTML document and extracts the title and visible
// text. Script, style, and other non-content elements are skipped.
func FromHTML(r io.Reader) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var (
		title string
		text  strings.Builder
	)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "iframe":
				return
			case "title":
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return &Page{Title: title, Text: text.String()}, nil
}

// FromPDF extracts plain text from a PDF file on disk.
func FromPDF(path string) (*Page, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	var text strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting page %d of %s: %w", i, path, err)
		}
		if text.Len() > 0 && content != "" {
			text.WriteByte(' ')
		}
		text.WriteString(content)
	}

	return &Page{Text: strings.TrimSpace(text.String())}, nil
}
