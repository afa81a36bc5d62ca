package browser

import (
	"net/http"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

func TestLanguagesFrom(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"ko-KR", "ko", "en-US", "en"}, languagesFrom(DefaultAcceptLanguage))
	require.Equal(t, []string{DefaultLocale}, languagesFrom(""))
	require.Equal(t, []string{"en"}, languagesFrom("en, *;q=0.1, en"))
}

func TestInitScriptEmbedsFingerprint(t *testing.T) {
	t.Parallel()

	script, err := initScript(DefaultStealth(), "deadbeefcafef00d")
	require.NoError(t, err)
	require.Contains(t, script, `"seed":"deadbeefcafef00d"`)
	require.Contains(t, script, `"languages":["ko-KR","ko","en-US","en"]`)
	require.Contains(t, script, "'webdriver'")
	require.Contains(t, script, "chrome.runtime")
	require.Contains(t, script, "state % 3")
	require.False(t, strings.Contains(script, "%!"), "format verbs leaked into script")
}

func TestFingerprintSeedIsRandom(t *testing.T) {
	t.Parallel()

	a, b := newFingerprintSeed(), newFingerprintSeed()
	require.Len(t, a, 16)
	require.NotEqual(t, a, b)
}

func TestMergeStealth(t *testing.T) {
	t.Parallel()

	base := DefaultStealth()
	base.ExtraHeaders = http.Header{"Sec-Ch-Ua-Platform": {`"macOS"`}}

	merged := MergeStealth(base, crawler.StealthSettings{
		Viewport:     crawler.Viewport{Width: 1280},
		ExtraHeaders: http.Header{"referer": {"https://search.naver.com"}},
	})
	require.Equal(t, 1920, merged.Viewport.Width, "partial viewport is ignored")
	require.Equal(t, "https://search.naver.com", merged.ExtraHeaders.Get("Referer"))
	require.Equal(t, `"macOS"`, merged.ExtraHeaders.Get("Sec-Ch-Ua-Platform"))
	require.Len(t, base.ExtraHeaders, 1, "base headers must not be mutated")
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "Empty": nil})
	require.Equal(t, network.Headers{"X-Test": "a, b"}, got)
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{Status: 404}})
	require.Equal(t, 0, meta.status())
	meta.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 403}})
	meta.capture(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 200}})
	require.Equal(t, 403, meta.status())
	meta.reset()
	require.Equal(t, 0, meta.status())
}

func TestLifecycleTracksCurrentLoader(t *testing.T) {
	t.Parallel()

	l := newLifecycle()
	ok, _ := l.reached("load")
	require.True(t, ok, "nothing to wait for before the first navigation")

	l.record(cdp.LoaderID("old"), "load")
	l.begin(cdp.LoaderID("L1"))
	ok, changed := l.reached("DOMContentLoaded")
	require.False(t, ok)

	l.record(cdp.LoaderID("L1"), "DOMContentLoaded")
	select {
	case <-changed:
	default:
		t.Fatal("expected change notification")
	}
	ok, _ = l.reached("DOMContentLoaded")
	require.True(t, ok)
	ok, _ = l.reached("load")
	require.False(t, ok, "events of other loaders must not count")
	require.Equal(t, "networkIdle", lifecycleEventFor(crawler.WaitNetworkIdle))
}
