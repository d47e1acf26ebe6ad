package piaotian

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n0vella/novelcask/internal/model"
	"github.com/n0vella/novelcask/internal/session"
)

const chapterPage = `<html><body>
<div class="nav">home &gt; books</div>
<h1>第一章 开端</h1>
<div id="content">line one<br/>line two<script>track()</script></div>
<div class="footer">ads here</div>
</body></html>`

const freeEmptyPage = `<html><body>
<h1>第二章 (本章免费)</h1>
<div id="content">   </div>
</body></html>`

const catalogPage = `<html><body>
<div class="centent">
<a href="100001.html">第一章</a>
<a href="100002.html">第二章</a>
<a href="100003.html">第三章</a>
</div>
</body></html>`

func TestParseChapterExtractsTitleAndBody(t *testing.T) {
	stub := model.ChapterStub{Index: 1, ChapID: "100001", Title: "catalog title"}
	rec, err := Parser{}.ParseChapter(stub, []string{chapterPage})
	require.NoError(t, err)
	require.Equal(t, "第一章 开端", rec.Title)
	require.Contains(t, rec.Content, "line one")
	require.Contains(t, rec.Content, "line two")
	require.NotContains(t, rec.Content, "track()", "script bodies must be sanitized away")
	require.NotContains(t, rec.Content, "ads here")
}

func TestParseChapterFallsBackToCatalogTitle(t *testing.T) {
	stub := model.ChapterStub{Index: 1, ChapID: "100001", Title: "catalog title"}
	rec, err := Parser{}.ParseChapter(stub, []string{`<html><body><div id="content">text</div></body></html>`})
	require.NoError(t, err)
	require.Equal(t, "catalog title", rec.Title)
}

func TestParseChapterRejectsEmptyInput(t *testing.T) {
	_, err := Parser{}.ParseChapter(model.ChapterStub{ChapID: "x"}, nil)
	require.Error(t, err)
}

func TestClientDetectsVIPWall(t *testing.T) {
	c := Client{}
	require.True(t, c.IsAccessLimited([]string{"<p>本章为VIP章节，请购买后阅读</p>"}))
	require.False(t, c.IsAccessLimited([]string{chapterPage}))
	require.False(t, c.IsAccessLimited(nil))
}

func TestClientSkipsIntentionallyFreeEmptyChapter(t *testing.T) {
	c := Client{}
	require.True(t, c.SkipEmptyChapter([]string{freeEmptyPage}))
	require.False(t, c.SkipEmptyChapter([]string{chapterPage}))
	require.False(t, c.SkipEmptyChapter(nil))
}

func TestClientCheckRefetchFlagsEmptyContent(t *testing.T) {
	c := Client{}
	require.True(t, c.CheckRefetch(model.ChapterRecord{ChapID: "c1", Content: ""}))
	require.False(t, c.CheckRefetch(model.ChapterRecord{ChapID: "c1", Content: "body"}))
}

func TestClientWorkersDefault(t *testing.T) {
	require.Equal(t, 4, Client{}.Workers())
	require.Equal(t, 1, Client{WorkerCount: 1}.Workers())
}

func TestManifestLoads(t *testing.T) {
	require.Equal(t, SiteName, cfg.SiteName)
	require.NotEmpty(t, cfg.URLs.BookInfo)
	require.NotEmpty(t, cfg.URLs.Catalog)
	require.NotEmpty(t, cfg.URLs.Chapter)
}

func TestCanonicalBookIDReplacesDashes(t *testing.T) {
	require.Equal(t, "12/34", canonicalBookID("12-34"))
}

// Parsing the same chapter fixture twice must yield the same title and
// content.
func TestParseChapterStable(t *testing.T) {
	stub := model.ChapterStub{Index: 1, ChapID: "100001", Title: "t"}
	a, err := Parser{}.ParseChapter(stub, []string{chapterPage})
	require.NoError(t, err)
	b, err := Parser{}.ParseChapter(stub, []string{chapterPage})
	require.NoError(t, err)
	require.Equal(t, a.Title, b.Title)
	require.Equal(t, a.Content, b.Content)
}

const bookInfoPage = `<html><body>
<h1>斗破苍穹</h1>
<div id="info"><p>作者：天蚕土豆</p><p>状态：连载中</p></div>
<div id="intro">三十年河东，三十年河西，莫欺少年穷。</div>
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
		"/bookinfo/12/34.html": bookInfoPage,
	})
	f := &Fetcher{Session: sess}

	info, err := f.FetchBookInfo(context.Background(), "12-34")
	require.NoError(t, err)
	require.Equal(t, SiteName, info.Site)
	require.Equal(t, "12-34", info.BookID, "external book-id syntax survives URL rewriting")
	require.Equal(t, "斗破苍穹", info.Title)
	require.Contains(t, info.Author, "天蚕土豆")
	require.Contains(t, info.Summary, "莫欺少年穷")
}

func TestFetchCatalogUsesSeparateCatalogEndpoint(t *testing.T) {
	sess := newFixtureServer(t, map[string]string{
		"/html/12/34/index.html": catalogPage,
	})
	f := &Fetcher{Session: sess}

	stubs, err := f.FetchCatalog(context.Background(), "12-34")
	require.NoError(t, err)
	require.Len(t, stubs, 3)
	require.Equal(t, "100001", stubs[0].ChapID)
	require.Equal(t, "第一章", stubs[0].Title)
	for i, s := range stubs {
		require.Equal(t, i+1, s.Index)
	}
}

// Fetching and parsing the same fixtures twice must yield equal
// structures, chapter order included.
func TestFetchBookInfoAndCatalogStable(t *testing.T) {
	sess := newFixtureServer(t, map[string]string{
		"/bookinfo/12/34.html":   bookInfoPage,
		"/html/12/34/index.html": catalogPage,
	})
	f := &Fetcher{Session: sess}

	a, err := f.FetchBookInfo(context.Background(), "12-34")
	require.NoError(t, err)
	b, err := f.FetchBookInfo(context.Background(), "12-34")
	require.NoError(t, err)
	a.FetchedAtMs, b.FetchedAtMs = 0, 0
	require.Equal(t, a, b)

	s1, err := f.FetchCatalog(context.Background(), "12-34")
	require.NoError(t, err)
	s2, err := f.FetchCatalog(context.Background(), "12-34")
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
	pageA := `<div class="centent"><a href="1.html">一</a><a href="2.html">二</a></div>`
	pageB := `<div class="centent"><a href="3.html">三</a></div>`

	stubs, err := Parser{}.ParseCatalog([]string{pageA, pageB})
	require.NoError(t, err)
	require.Len(t, stubs, 3)
	require.Equal(t, []string{"1", "2", "3"}, []string{stubs[0].ChapID, stubs[1].ChapID, stubs[2].ChapID})
	require.Equal(t, 3, stubs[2].Index)
}
