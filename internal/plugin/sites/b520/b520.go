// Package b520 implements a Fetcher/Parser/Client triad for a
// "b520"-style site: chapter pages occasionally come back as an upstream
// gateway error page instead of a 4xx/5xx status, so access-limit
// detection has to sniff the response body rather than the status code.
// Long chapters also paginate, with each page's markup embedding the next
// page's relative URL suffix, the default termination predicate case.
package b520

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

// cfg holds this site's URL templates, loaded once from the embedded
// manifest at package init.
var cfg = siteconfig.MustLoad(manifestYAML)

// SiteName is the site_name this triad registers under.
const SiteName = "b520"

const badGatewayMarker = "<h1>Bad GateWay</h1>"

// Selectors are compiled once; the chapter ones run per page of every
// chapter in a book.
var (
	titleExpr        = xpath.MustCompile("//h1")
	authorExpr       = xpath.MustCompile("//*[@class='info']/p[1]/a")
	introExpr        = xpath.MustCompile("//*[@id='intro']")
	catalogLinksExpr = xpath.MustCompile("//div[@id='list']//a")
	contentExpr      = xpath.MustCompile("//div[@id='content']")
)

// chapterPageSuffix is the relative URL fragment a b520-style chapter page
// embeds when it has a next page, e.g. "c1_2.html". For idx==1 it is the
// first page's plain "c1.html", which never appears as a next-page suffix.
func chapterPageSuffix(chapID string, idx int) string {
	if idx == 1 {
		return fmt.Sprintf("%s.html", chapID)
	}
	return fmt.Sprintf("%s_%d.html", chapID, idx)
}

var sanitizer = bluemonday.StrictPolicy()

// Fetcher implements plugin.Fetcher for b520-style sites.
type Fetcher struct {
	Session *session.Session
}

// FetchBookInfo loads the raw book-info page and hands it to the Parser.
func (f *Fetcher) FetchBookInfo(ctx context.Context, bookID string) (model.BookInfo, error) {
	raw, err := f.Session.Get(ctx, fmt.Sprintf(cfg.URLs.BookInfo, bookID))
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

// FetchCatalog walks the site's separate, paginated catalog endpoint
// until a page comes back with no chapter links, the termination
// predicate for this site's pagination. Each raw page goes through the
// Parser; stubs are renumbered continuously across pages.
func (f *Fetcher) FetchCatalog(ctx context.Context, bookID string) ([]model.ChapterStub, error) {
	if !cfg.HasSeparateCatalog {
		raw, err := f.Session.Get(ctx, fmt.Sprintf(cfg.URLs.BookInfo, bookID))
		if err != nil {
			return nil, err
		}
		return Parser{}.ParseCatalog([]string{raw})
	}

	var stubs []model.ChapterStub
	for page := 1; ; page++ {
		raw, err := f.Session.Get(ctx, fmt.Sprintf(cfg.URLs.Catalog, bookID, page))
		if err != nil {
			return nil, err
		}
		pageStubs, err := Parser{}.ParseCatalog([]string{raw})
		if err != nil {
			return nil, err
		}
		if len(pageStubs) == 0 {
			break // Termination predicate: an empty page means no more catalog pages.
		}
		for _, s := range pageStubs {
			s.Index = len(stubs) + 1
			stubs = append(stubs, s)
		}
	}
	return stubs, nil
}

// FetchChapter fetches every page of a (possibly multi-page) chapter.
// Page 1 lives at the plain chapter URL; page 2+ lives at
// "{chapID}_{idx}.html". Pagination stops the first time a page's markup
// doesn't embed the following page's URL suffix, the site's termination
// predicate (the default: literal-substring containment).
func (f *Fetcher) FetchChapter(ctx context.Context, bookID string, stub model.ChapterStub) ([]string, error) {
	return plugin.FetchPaginated(ctx, plugin.DefaultPaginationDecider,
		func(idx int) (url, suffix string) {
			if idx == 1 {
				return fmt.Sprintf(cfg.URLs.Chapter, bookID, stub.ChapID), chapterPageSuffix(stub.ChapID, idx)
			}
			return fmt.Sprintf(cfg.URLs.ChapterPage, bookID, stub.ChapID, idx), chapterPageSuffix(stub.ChapID, idx)
		},
		f.Session.Get,
	)
}

// Parser implements plugin.Parser for b520-style sites.
type Parser struct{}

// ParseBookInfo extracts book-level metadata from the book-info page.
// Missing fields become empty strings rather than errors.
func (Parser) ParseBookInfo(htmlPages []string) (model.BookInfo, error) {
	if len(htmlPages) == 0 {
		return model.BookInfo{}, fmt.Errorf("b520: no pages to parse for book info")
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
			chapID := strings.TrimSuffix(href, ".html")
			stubs = append(stubs, model.ChapterStub{
				Index:  len(stubs) + 1,
				ChapID: chapID,
				Title:  strings.TrimSpace(htmlquery.InnerText(a)),
			})
		}
	}
	return stubs, nil
}

func (Parser) ParseChapter(stub model.ChapterStub, rawPages []string) (model.ChapterRecord, error) {
	if len(rawPages) == 0 {
		return model.ChapterRecord{}, fmt.Errorf("b520: no pages to parse for %s", stub.ChapID)
	}

	var title string
	var bodies []string
	for i, raw := range rawPages {
		doc, err := htmlquery.Parse(strings.NewReader(raw))
		if err != nil {
			return model.ChapterRecord{}, fmt.Errorf("parsing chapter page %d: %w", i+1, err)
		}
		if i == 0 {
			title = textOrEmpty(htmlquery.QuerySelector(doc, titleExpr))
		}
		if body := htmlquery.QuerySelector(doc, contentExpr); body != nil {
			bodies = append(bodies, strings.TrimSpace(sanitizer.Sanitize(htmlquery.OutputHTML(body, false))))
		}
	}
	if title == "" {
		title = stub.Title
	}

	return model.ChapterRecord{
		ChapID:      stub.ChapID,
		Index:       stub.Index,
		Title:       title,
		Content:     strings.Join(bodies, "\n"),
		FetchedAtMs: time.Now().UnixMilli(),
	}, nil
}

// Client implements plugin.Client for b520-style sites.
type Client struct {
	WorkerCount int
}

func (c Client) Workers() int {
	if c.WorkerCount <= 0 {
		return 2 // b520-style sites tolerate less concurrency than most.
	}
	return c.WorkerCount
}

// IsAccessLimited sniffs for the upstream gateway's error page, which
// comes back with a 200 status, so status-code based detection alone
// would miss it.
func (Client) IsAccessLimited(htmlPages []string) bool {
	return len(htmlPages) > 0 && strings.Contains(htmlPages[0], badGatewayMarker)
}

func (Client) SkipEmptyChapter(_ []string) bool {
	return false
}

func (Client) CheckRefetch(rec model.ChapterRecord) bool {
	return rec.Content == "" && !rec.NeedRefetch
}

func (Client) Authenticated() bool { return true }

// Register installs the b520 triad into reg.
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
