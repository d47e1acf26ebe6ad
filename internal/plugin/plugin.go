// Package plugin defines the Fetcher/Parser/Client triad contract every
// site implementation must satisfy, and a registry keyed by site_name.
package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/n0vella/novelcask/internal/model"
)

// Fetcher retrieves raw pages for a book: its catalog (possibly paginated
// or split across a separate catalog endpoint) and individual chapter
// content pages.
type Fetcher interface {
	// FetchCatalog returns every chapter stub for bookID, in reading
	// order, resolving pagination internally until the site's termination
	// predicate says there are no more pages.
	FetchCatalog(ctx context.Context, bookID string) ([]model.ChapterStub, error)

	// FetchBookInfo returns the book-level metadata (title, author, cover,
	// summary) separately from the catalog, since most sites serve these
	// from different endpoints.
	FetchBookInfo(ctx context.Context, bookID string) (model.BookInfo, error)

	// FetchChapter returns the raw (unparsed) page(s) for a single
	// chapter. Most sites return exactly one page per chapter; a few
	// split long chapters across several, hence the slice.
	FetchChapter(ctx context.Context, bookID string, stub model.ChapterStub) ([]string, error)
}

// PaginationDecider is a site's termination predicate for a multi-page
// chapter: given the page just fetched and the suffix that would identify
// the next page, it reports whether fetching should continue.
type PaginationDecider func(currentPage, nextSuffix string) bool

// DefaultPaginationDecider implements the default termination predicate:
// continue fetching iff nextSuffix appears as a literal
// substring of currentPage (the common case, where a "next page" anchor
// embeds the next page's URL suffix directly in the markup). Sites driven
// by JS navigation (e.g. `javascript:readbookjump(...)`) override this
// with their own decider.
func DefaultPaginationDecider(currentPage, nextSuffix string) bool {
	return nextSuffix != "" && strings.Contains(currentPage, nextSuffix)
}

// FetchPaginated drives a chapter's page-by-page fetch loop: it calls get
// for page 1, 2, 3, ... using the URL and next-page suffix nextPage(idx)
// supplies, stopping as soon as decide reports false. An empty next-page
// suffix is handed to decide like any other: DefaultPaginationDecider
// treats it as the last page, while a custom decider may keep going. The
// returned slice is always ordered and non-empty when err is nil.
func FetchPaginated(ctx context.Context, decide PaginationDecider, nextPage func(idx int) (url, suffix string), get func(ctx context.Context, url string) (string, error)) ([]string, error) {
	var pages []string
	idx := 1
	for {
		url, _ := nextPage(idx)
		page, err := get(ctx, url)
		if err != nil {
			return pages, err
		}
		pages = append(pages, page)

		_, nextSuffix := nextPage(idx + 1)
		if !decide(page, nextSuffix) {
			break
		}
		idx++
	}
	return pages, nil
}

// Parser turns a Fetcher's raw pages into structured records. It is pure:
// no network access, null-safe against well-formed-but-incomplete markup
// (missing title nodes, empty body divs). The raw-page list shapes are
// fixed per site and known to that site's Fetcher, which retrieves them.
type Parser interface {
	// ParseBookInfo extracts book-level metadata (title, author, summary)
	// from the raw book-info page(s). Missing optional fields become empty
	// strings, never an error.
	ParseBookInfo(htmlPages []string) (model.BookInfo, error)

	// ParseCatalog extracts every chapter stub from the raw catalog
	// page(s), in reading order, with Index numbered continuously across
	// pages.
	ParseCatalog(htmlPages []string) ([]model.ChapterStub, error)

	ParseChapter(stub model.ChapterStub, rawPages []string) (model.ChapterRecord, error)
}

// Client describes a site's operating policy: how many fetch workers it
// tolerates, whether content is ever access-limited, and whether a
// previously stored chapter should be treated as needing a refetch.
type Client interface {
	// Workers returns how many concurrent fetch workers this site
	// tolerates before it starts throttling/banning.
	Workers() int

	// IsAccessLimited inspects a successfully fetched page's raw HTML to
	// decide whether the body signals paywalled/VIP-gated/encrypted
	// content. A true here is not a transport error: it is a legitimate
	// terminal outcome stored with NeedRefetch=true rather than retried.
	IsAccessLimited(htmlPages []string) bool

	// SkipEmptyChapter inspects the raw HTML to decide whether the page is
	// an intentionally empty placeholder (e.g. an author's-note-only
	// chapter) as opposed to a page the Parser will legitimately fail on.
	// A true here is stored with NeedRefetch=false and never retried.
	SkipEmptyChapter(htmlPages []string) bool

	// CheckRefetch reports whether a previously stored chapter should be
	// refetched even though it already exists, e.g. because its content
	// was flagged font-encrypted when font decoding wasn't available.
	CheckRefetch(rec model.ChapterRecord) bool

	// Authenticated reports whether this site's session is known to be
	// logged in. Sites that never verify login status default to true, a
	// known limitation inherited from the scrapers this triad is modeled
	// on.
	Authenticated() bool
}

// Site bundles the triad plus the site_name it is registered under.
type Site struct {
	Name    string
	Fetcher Fetcher
	Parser  Parser
	Client  Client
}

// Registry maps site_name to a registered Site. Missing triads are a
// configuration error, not a runtime panic.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]Site
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sites: make(map[string]Site)}
}

// Register adds a Site. Registering the same name twice is a programming
// error, not a recoverable condition, so it panics during init.
func (r *Registry) Register(s Site) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sites[s.Name]; ok {
		panic(fmt.Sprintf("plugin: site %q already registered", s.Name))
	}
	r.sites[s.Name] = s
}

// ErrUnknownSite is returned by Lookup when no triad is registered under
// the requested name.
type ErrUnknownSite struct{ Name string }

func (e ErrUnknownSite) Error() string {
	return fmt.Sprintf("plugin: no site registered for %q", e.Name)
}

// Lookup returns the Site registered under name, or ErrUnknownSite, a
// configuration error, if none exists.
func (r *Registry) Lookup(name string) (Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sites[name]
	if !ok {
		return Site{}, ErrUnknownSite{Name: name}
	}
	return s, nil
}

// Names returns every registered site_name, for diagnostics and the CLI's
// help text.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sites))
	for n := range r.sites {
		names = append(names, n)
	}
	return names
}
