package b520

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n0vella/novelcask/internal/model"
	"github.com/n0vella/novelcask/internal/session"
)

const pageOne = `<html><body>
<h1>第十章 山雨欲来</h1>
<div id="content">part one of the chapter<br/>(本章未完，请点击下一页继续阅读)</div>
<a href="c10_2.html">下一页</a>
</body></html>`

const pageTwo = `<html><body>
<h1>第十章 山雨欲来 (第2/2页)</h1>
<div id="content">part two of the chapter</div>
</body></html>`

func TestParseChapterJoinsPagesInOrder(t *testing.T) {
	stub := model.ChapterStub{Index: 10, ChapID: "c10", Title: "catalog title"}
	rec, err := Parser{}.ParseChapter(stub, []string{pageOne, pageTwo})
	require.NoError(t, err)
	require.Equal(t, "第十章 山雨欲来", rec.Title, "title comes from the first page")

	require.Contains(t, rec.Content, "part one of the chapter")
	require.Contains(t, rec.Content, "part two of the chapter")
	require.Less(t,
		strings.Index(rec.Content, "part one of the chapter"),
		strings.Index(rec.Content, "part two of the chapter"),
		"page bodies must join in fetch order")
}

func TestParseChapterRejectsEmptyInput(t *testing.T) {
	_, err := Parser{}.ParseChapter(model.ChapterStub{ChapID: "c10"}, nil)
	require.Error(t, err)
}

func TestChapterPageSuffix(t *testing.T) {
	require.Equal(t, "c10.html", chapterPageSuffix("c10", 1))
	require.Equal(t, "c10_2.html", chapterPageSuffix("c10", 2))
	require.Equal(t, "c10_3.html", chapterPageSuffix("c10", 3))
}

// The upstream gateway's error page arrives with a 200 status, so the
// client must sniff the body itself.
func TestClientDetectsGatewayErrorBody(t *testing.T) {
	c := Client{}
	require.True(t, c.IsAccessLimited([]string{"<html><h1>Bad GateWay</h1></html>"}))
	require.False(t, c.IsAccessLimited([]string{pageOne}))
	require.False(t, c.IsAccessLimited(nil))
}

func TestClientNeverSkipsEmptyChapters(t *testing.T) {
	require.False(t, Client{}.SkipEmptyChapter([]string{"<html></html>"}))
}

func TestClientWorkersDefault(t *testing.T) {
	require.Equal(t, 2, Client{}.Workers())
	require.Equal(t, 8, Client{WorkerCount: 8}.Workers())
}

func TestManifestLoads(t *testing.T) {
	require.Equal(t, SiteName, cfg.SiteName)
	require.True(t, cfg.HasSeparateCatalog)
	require.NotEmpty(t, cfg.URLs.ChapterPage)
}

const bookInfoPage = `<html><body>
<h1>凡人修仙传</h1>
<div class="info"><p><a href="/author/wangyu">忘语</a></p></div>
<div id="intro">一个普通山村小子的修仙之路。</div>
</body></html>`

// newFixtureServer serves canned pages over TLS and returns a Session
// whose host is pinned to it, so the manifest's URL templates resolve to
// the fixtures regardless of the domain they name.
func newFixtureServer(t *testing.T, pages map[string]string) *session.Session {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	sess, err := session.New(session.Config{
		Host:           u.Host,
		SkipVerify:     true,
		RetryBaseDelay: time.Millisecond,
		SpacingBase:    time.Millisecond,
		SpacingJitter:  time.Millisecond,
	}, 0)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func TestFetchBookInfoExtractsMetadata(t *testing.T) {
	sess := newFixtureServer(t, map[string]string{
		"/books/B/": bookInfoPage,
	})
	f := &Fetcher{Session: sess}

	info, err := f.FetchBookInfo(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, SiteName, info.Site)
	require.Equal(t, "B", info.BookID)
	require.Equal(t, "凡人修仙传", info.Title)
	require.Equal(t, "忘语", info.Author)
	require.Contains(t, info.Summary, "修仙之路")
}

// TestFetchCatalogPaginatesUntilEmptyPage walks the separate catalog
// endpoint: two pages of links, then a page with none. The fetch must
// stop there (a request for page 4 would 404 and fail the test) with
// indices numbered continuously across pages.
func TestFetchCatalogPaginatesUntilEmptyPage(t *testing.T) {
	sess := newFixtureServer(t, map[string]string{
		"/books/B/catalog_1.html": `<div id="list"><a href="c1.html">第一章</a><a href="c2.html">第二章</a></div>`,
		"/books/B/catalog_2.html": `<div id="list"><a href="c3.html">第三章</a></div>`,
		"/books/B/catalog_3.html": `<html><body><div id="list"></div></body></html>`,
	})
	f := &Fetcher{Session: sess}

	stubs, err := f.FetchCatalog(context.Background(), "B")
	require.NoError(t, err)
	require.Len(t, stubs, 3)
	require.Equal(t, []string{"c1", "c2", "c3"}, []string{stubs[0].ChapID, stubs[1].ChapID, stubs[2].ChapID})
	for i, s := range stubs {
		require.Equal(t, i+1, s.Index)
	}
}

// Fetching and parsing the same fixtures twice must yield equal
// structures, chapter order included.
func TestFetchBookInfoAndCatalogStable(t *testing.T) {
	sess := newFixtureServer(t, map[string]string{
		"/books/B/":               bookInfoPage,
		"/books/B/catalog_1.html": `<div id="list"><a href="c1.html">第一章</a></div>`,
		"/books/B/catalog_2.html": `<div id="list"></div>`,
	})
	f := &Fetcher{Session: sess}

	a, err := f.FetchBookInfo(context.Background(), "B")
	require.NoError(t, err)
	b, err := f.FetchBookInfo(context.Background(), "B")
	require.NoError(t, err)
	a.FetchedAtMs, b.FetchedAtMs = 0, 0
	require.Equal(t, a, b)

	s1, err := f.FetchCatalog(context.Background(), "B")
	require.NoError(t, err)
	s2, err := f.FetchCatalog(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestParseBookInfoMissingFieldsBecomeEmpty(t *testing.T) {
	info, err := Parser{}.ParseBookInfo([]string{`<html><body><h1>孤本</h1></body></html>`})
	require.NoError(t, err)
	require.Equal(t, "孤本", info.Title)
	require.Empty(t, info.Author)
	require.Empty(t, info.Summary)
}

func TestParseBookInfoRejectsEmptyInput(t *testing.T) {
	_, err := Parser{}.ParseBookInfo(nil)
	require.Error(t, err)
}

func TestParseCatalogNumbersAcrossPages(t *testing.T) {
	pageA := `<div id="list"><a href="c1.html">一</a><a href="c2.html">二</a></div>`
	pageB := `<div id="list"><a href="c3.html">三</a></div>`

	stubs, err := Parser{}.ParseCatalog([]string{pageA, pageB})
	require.NoError(t, err)
	require.Len(t, stubs, 3)
	require.Equal(t, "c3", stubs[2].ChapID)
	require.Equal(t, 3, stubs[2].Index)
}
