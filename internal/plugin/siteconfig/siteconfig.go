// Package siteconfig loads the small per-site URL-template/behavior
// manifest each plugin package embeds, so a site's endpoints live in a
// declarative YAML file next to its Go code instead of buried in const
// blocks.
package siteconfig

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// URLs holds the URL templates a site's manifest declares. Each template
// is a fmt.Sprintf pattern; callers format it with the arguments their
// Fetcher method already has in hand (book ID, chapter ID, page number).
type URLs struct {
	BookInfo    string `yaml:"book_info"`
	Catalog     string `yaml:"catalog"`
	Chapter     string `yaml:"chapter"`
	ChapterPage string `yaml:"chapter_page,omitempty"`
}

// Config is one plugin package's manifest: its URL templates plus the
// small behavioral knobs (book-ID rewriting, separate catalog endpoint)
// that distinguish one site family from another.
type Config struct {
	SiteName string `yaml:"site_name"`
	URLs     URLs   `yaml:"urls"`

	// HasSeparateCatalog selects which endpoint the chapter list comes
	// from: true means the catalog lives at its own URLs.Catalog
	// template; false means the book-info page doubles as the catalog
	// and Fetchers pull both from URLs.BookInfo.
	HasSeparateCatalog bool `yaml:"has_separate_catalog"`

	BookIDReplacements [][2]string `yaml:"book_id_replacements,omitempty"`
}

// Load parses a manifest's raw bytes, as embedded via //go:embed in each
// plugin package.
func Load(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("siteconfig: parsing manifest: %w", err)
	}
	if cfg.SiteName == "" {
		return Config{}, fmt.Errorf("siteconfig: manifest missing site_name")
	}
	if cfg.URLs.BookInfo == "" || cfg.URLs.Chapter == "" {
		return Config{}, fmt.Errorf("siteconfig: manifest %q missing a required URL template", cfg.SiteName)
	}
	if cfg.HasSeparateCatalog && cfg.URLs.Catalog == "" {
		return Config{}, fmt.Errorf("siteconfig: manifest %q declares a separate catalog but no catalog URL template", cfg.SiteName)
	}
	return cfg, nil
}

// MustLoad is Load, panicking on error. Intended for a package-level var
// initializer loading an embedded manifest that ships with the binary:
// a malformed manifest there is a build-time defect, not a runtime one.
func MustLoad(data []byte) Config {
	cfg, err := Load(data)
	if err != nil {
		panic(err)
	}
	return cfg
}

// CanonicalBookID applies a site's BOOK_ID_REPLACEMENTS in order, the way
// a piaotian-style site turns a "-"-separated catalog ID into the "/"
// path segment its URLs actually expect.
func (c Config) CanonicalBookID(bookID string) string {
	for _, r := range c.BookIDReplacements {
		bookID = strings.ReplaceAll(bookID, r[0], r[1])
	}
	return bookID
}
