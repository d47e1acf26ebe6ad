// Package piaotian implements the Fetcher/Parser/Client triad for a
// "piaotian"-style site: book info, catalog, and chapter content each live
// at a distinct URL template, the catalog is a single page (no
// pagination), and book IDs occasionally need a "-" -> "/" substitution
// before they can be dropped into a URL template.
package piaotian

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/n0vella/novelcask/internal/model"
	"github.com/n0vella/novelcask/internal/plugin"
	"github.com/n0vella/novelcask/internal/plugin/siteconfig"
	"github.com/n0vella/novelcask/internal/session"
)

//go:embed manifest.yaml
var manifestYAML []byte

// cfg holds this site's URL templates and book-ID replacement rules,
// loaded once from the embedded manifest at package init.
var cfg = siteconfig.MustLoad(manifestYAML)

// SiteName is the site_name this triad registers under.
const SiteName = "piaotian"

// Selectors are compiled once: the chapter-parsing ones run for every
// page of every chapter in a book.
var (
	titleExpr        = xpath.MustCompile("//h1")
	authorExpr       = xpath.MustCompile("//*[@id='info']/p[1]")
	introExpr        = xpath.MustCompile("//*[@id='intro']")
	catalogLinksExpr = xpath.MustCompile("//div[@class='centent']//a")
	contentExpr      = xpath.MustCompile("//div[@id='content']")
)

func canonicalBookID(bookID string) string {
	return cfg.CanonicalBookID(bookID)
}

// Fetcher implements plugin.Fetcher for piaotian-style sites.
type Fetcher struct {
	Session *session.Session
}

// FetchBookInfo loads the raw book-info page and hands it to the Parser.
func (f *Fetcher) FetchBookInfo(ctx context.Context, bookID string) (model.BookInfo, error) {
	id := canonicalBookID(bookID)
	raw, err := f.Session.Get(ctx, fmt.Sprintf(cfg.URLs.BookInfo, id))
	if err != nil {
		return model.BookInfo{}, err
	}

	info, err := Parser{}.ParseBookInfo([]string{raw})
	if err != nil {
		return model.BookInfo{}, err
	}
	info.BookID = bookID
	return info, nil
}

// FetchCatalog loads the single catalog page (piaotian-style sites never
// paginate their table of contents) and hands it to the Parser. Sites
// without a separate catalog endpoint list their chapters on the
// book-info page itself.
func (f *Fetcher) FetchCatalog(ctx context.Context, bookID string) ([]model.ChapterStub, error) {
	id := canonicalBookID(bookID)
	tmpl := cfg.URLs.BookInfo
	if cfg.HasSeparateCatalog {
		tmpl = cfg.URLs.Catalog
	}
	raw, err := f.Session.Get(ctx, fmt.Sprintf(tmpl, id))
	if err != nil {
		return nil, err
	}
	return Parser{}.ParseCatalog([]string{raw})
}

// FetchChapter loads the chapter page. piaotian-style sites never split a
// chapter across multiple pages, so exactly one string is returned.
func (f *Fetcher) FetchChapter(ctx context.Context, bookID string, stub model.ChapterStub) ([]string, error) {
	id := canonicalBookID(bookID)
	raw, err := f.Session.Get(ctx, fmt.Sprintf(cfg.URLs.Chapter, id, stub.ChapID))
	if err != nil {
		return nil, err
	}
	return []string{raw}, nil
}

var sanitizer = bluemonday.StrictPolicy()

// Parser implements plugin.Parser for piaotian-style sites.
type Parser struct{}

// ParseBookInfo extracts book-level metadata from the book-info page.
// Missing fields become empty strings rather than errors.
func (Parser) ParseBookInfo(htmlPages []string) (model.BookInfo, error) {
	if len(htmlPages) == 0 {
		return model.BookInfo{}, fmt.Errorf("piaotian: no pages to parse for book info")
	}

	doc, err := htmlquery.Parse(strings.NewReader(htmlPages[0]))
	if err != nil {
		return model.BookInfo{}, fmt.Errorf("parsing book info page: %w", err)
	}

	return model.BookInfo{
		Site:        SiteName,
		Title:       textOrEmpty(htmlquery.QuerySelector(doc, titleExpr)),
		Author:      textOrEmpty(htmlquery.QuerySelector(doc, authorExpr)),
		Summary:     textOrEmpty(htmlquery.QuerySelector(doc, introExpr)),
		FetchedAtMs: time.Now().UnixMilli(),
	}, nil
}

// ParseCatalog extracts every chapter link from the catalog page(s) in
// document order, numbering Index continuously across pages.
func (Parser) ParseCatalog(htmlPages []string) ([]model.ChapterStub, error) {
	var stubs []model.ChapterStub
	for i, raw := range htmlPages {
		doc, err := htmlquery.Parse(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing catalog page %d: %w", i+1, err)
		}
		for _, a := range htmlquery.QuerySelectorAll(doc, catalogLinksExpr) {
			href := htmlquery.SelectAttr(a, "href")
			chapID := strings.TrimSuffix(strings.TrimSuffix(href, ".html"), "/")
			stubs = append(stubs, model.ChapterStub{
				Index:  len(stubs) + 1,
				ChapID: chapID,
				Title:  strings.TrimSpace(htmlquery.InnerText(a)),
			})
		}
	}
	return stubs, nil
}

// ParseChapter extracts the title and body text from a chapter page. It is
// null-safe: a page missing its title node (but otherwise well formed)
// falls back to the stub's catalog title rather than erroring.
func (Parser) ParseChapter(stub model.ChapterStub, rawPages []string) (model.ChapterRecord, error) {
	if len(rawPages) == 0 {
		return model.ChapterRecord{}, fmt.Errorf("piaotian: no pages to parse for %s", stub.ChapID)
	}

	doc, err := htmlquery.Parse(strings.NewReader(rawPages[0]))
	if err != nil {
		return model.ChapterRecord{}, fmt.Errorf("parsing chapter page: %w", err)
	}

	title := textOrEmpty(htmlquery.QuerySelector(doc, titleExpr))
	if title == "" {
		title = stub.Title
	}

	var content string
	if body := htmlquery.QuerySelector(doc, contentExpr); body != nil {
		content = strings.TrimSpace(sanitizer.Sanitize(htmlquery.OutputHTML(body, false)))
	}

	return model.ChapterRecord{
		ChapID:      stub.ChapID,
		Index:       stub.Index,
		Title:       title,
		Content:     content,
		FetchedAtMs: time.Now().UnixMilli(),
	}, nil
}

// Client implements plugin.Client for piaotian-style sites.
type Client struct {
	WorkerCount int
}

func (c Client) Workers() int {
	if c.WorkerCount <= 0 {
		return 4
	}
	return c.WorkerCount
}

// vipMarker is the text piaotian-style sites render in place of chapter
// content once a title is VIP-gated.
const vipMarker = "本章为VIP章节"

func (Client) IsAccessLimited(htmlPages []string) bool {
	return len(htmlPages) > 0 && strings.Contains(htmlPages[0], vipMarker)
}

// SkipEmptyChapter distinguishes a genuinely free-but-blank chapter
// (marked "(本章免费)" in its title, with no body content) from a page the
// Parser will legitimately fail on: anything else with empty content is a
// parse fault, not an intentional placeholder.
func (Client) SkipEmptyChapter(htmlPages []string) bool {
	if len(htmlPages) == 0 {
		return false
	}
	doc, err := htmlquery.Parse(strings.NewReader(htmlPages[0]))
	if err != nil {
		return false
	}
	title := textOrEmpty(htmlquery.QuerySelector(doc, titleExpr))
	body := htmlquery.QuerySelector(doc, contentExpr)
	empty := body == nil || strings.TrimSpace(htmlquery.InnerText(body)) == ""
	return empty && strings.Contains(title, "(本章免费)")
}

func (Client) CheckRefetch(rec model.ChapterRecord) bool {
	return rec.Content == "" && !rec.NeedRefetch
}

func (Client) Authenticated() bool { return true }

// Register installs the piaotian triad into reg.
func Register(reg *plugin.Registry, sess *session.Session, workers int) {
	reg.Register(plugin.Site{
		Name:    SiteName,
		Fetcher: &Fetcher{Session: sess},
		Parser:  Parser{},
		Client:  Client{WorkerCount: workers},
	})
}

func textOrEmpty(n *html.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(n))
}
