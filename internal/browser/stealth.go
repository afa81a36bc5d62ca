package browser

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Default fingerprint: desktop Chrome on macOS browsing from Korea.
const (
	DefaultChromeVersion  = "139.0.0.0"
	DefaultPlatform       = "MacIntel"
	DefaultLocale         = "ko-KR"
	DefaultTimezone       = "Asia/Seoul"
	DefaultAcceptLanguage = "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7"
)

// UserAgentFor returns a macOS Chrome user agent for the given version.
func UserAgentFor(chromeVersion string) string {
	if chromeVersion == "" {
		chromeVersion = DefaultChromeVersion
	}
	return "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/" + chromeVersion + " Safari/537.36"
}

// DefaultStealth returns the stock fingerprint.
func DefaultStealth() crawler.StealthSettings {
	return crawler.StealthSettings{
		UserAgent:      UserAgentFor(DefaultChromeVersion),
		AcceptLanguage: DefaultAcceptLanguage,
		Platform:       DefaultPlatform,
		Locale:         DefaultLocale,
		Timezone:       DefaultTimezone,
		Viewport:       crawler.Viewport{Width: 1920, Height: 1080},
	}
}

// MergeStealth overlays the non-empty fields of override on base. Extra
// headers are merged, override winning per key.
func MergeStealth(base, override crawler.StealthSettings) crawler.StealthSettings {
	out := base
	if override.UserAgent != "" {
		out.UserAgent = override.UserAgent
	}
	if override.AcceptLanguage != "" {
		out.AcceptLanguage = override.AcceptLanguage
	}
	if override.Platform != "" {
		out.Platform = override.Platform
	}
	if override.Locale != "" {
		out.Locale = override.Locale
	}
	if override.Timezone != "" {
		out.Timezone = override.Timezone
	}
	if override.Viewport.Width > 0 && override.Viewport.Height > 0 {
		out.Viewport = override.Viewport
	}
	if len(base.ExtraHeaders) > 0 || len(override.ExtraHeaders) > 0 {
		headers := cloneHeader(base.ExtraHeaders)
		if headers == nil {
			headers = http.Header{}
		}
		for k, values := range override.ExtraHeaders {
			headers[http.CanonicalHeaderKey(k)] = append([]string(nil), values...)
		}
		out.ExtraHeaders = headers
	}
	return out
}

// languagesFrom turns an Accept-Language header into navigator.languages.
func languagesFrom(acceptLanguage string) []string {
	var langs []string
	seen := map[string]bool{}
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if tag == "" || tag == "*" || seen[tag] {
			continue
		}
		seen[tag] = true
		langs = append(langs, tag)
	}
	if len(langs) == 0 {
		langs = []string{DefaultLocale}
	}
	return langs
}

// newFingerprintSeed returns a per-page random seed for canvas noise.
func newFingerprintSeed() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "5eed5eed5eed5eed"
	}
	return hex.EncodeToString(b[:])
}

type scriptParams struct {
	Seed      string   `json:"seed"`
	Languages []string `json:"languages"`
	Platform  string   `json:"platform"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
}

// initScript builds the document-start script that hides automation traits.
func initScript(settings crawler.StealthSettings, seed string) (string, error) {
	params, err := json.Marshal(scriptParams{
		Seed:      seed,
		Languages: languagesFrom(settings.AcceptLanguage),
		Platform:  settings.Platform,
		Width:     settings.Viewport.Width,
		Height:    settings.Viewport.Height,
	})
	if err != nil {
		return "", fmt.Errorf("encode script params: %w", err)
	}
	return fmt.Sprintf(stealthTemplate, params), nil
}

const stealthTemplate = `(() => {
  const fp = %s;
  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(navigator, 'webdriver', undefined);
  define(navigator, 'languages', fp.languages);
  define(navigator, 'language', fp.languages[0]);
  if (fp.platform) { define(navigator, 'platform', fp.platform); }
  define(navigator, 'hardwareConcurrency', 8);
  define(navigator, 'deviceMemory', 8);
  const plugins = ['PDF Viewer', 'Chrome PDF Viewer', 'Chromium PDF Viewer', 'Microsoft Edge PDF Viewer', 'WebKit built-in PDF']
    .map((name) => ({ name, filename: 'internal-pdf-viewer', description: 'Portable Document Format' }));
  define(navigator, 'plugins', plugins);
  window.chrome = window.chrome || {};
  window.chrome.runtime = window.chrome.runtime || { connect: () => {}, sendMessage: () => {} };
  if (navigator.permissions && navigator.permissions.query) {
    const query = navigator.permissions.query.bind(navigator.permissions);
    navigator.permissions.query = (p) => (p && p.name === 'notifications')
      ? Promise.resolve({ state: Notification.permission })
      : query(p);
  }
  define(screen, 'width', fp.width);
  define(screen, 'height', fp.height);
  define(screen, 'availWidth', fp.width);
  define(screen, 'availHeight', fp.height - 40);
  define(screen, 'colorDepth', 24);
  let state = parseInt(fp.seed.slice(0, 8), 16) || 1;
  const noise = () => { state = (state * 1103515245 + 12345) & 0x7fffffff; return (state %% 3) - 1; };
  const toDataURL = HTMLCanvasElement.prototype.toDataURL;
  HTMLCanvasElement.prototype.toDataURL = function (...args) {
    try {
      const ctx = this.getContext('2d');
      if (ctx && this.width && this.height) {
        const img = ctx.getImageData(0, 0, Math.min(this.width, 16), Math.min(this.height, 16));
        for (let i = 0; i < img.data.length; i += 4) { img.data[i] = (img.data[i] + noise()) & 0xff; }
        ctx.putImageData(img, 0, 0);
      }
    } catch (e) {}
    return toDataURL.apply(this, args);
  };
})();`

// stealthAction applies the anti-detection bundle to the current target.
func stealthAction(settings crawler.StealthSettings, seed string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		script, err := initScript(settings, seed)
		if err != nil {
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("add init script: %w", err)
		}
		ua := emulation.SetUserAgentOverride(settings.UserAgent).
			WithAcceptLanguage(settings.AcceptLanguage).
			WithPlatform(settings.Platform)
		if err := ua.Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if settings.Locale != "" {
			locale := strings.ReplaceAll(settings.Locale, "-", "_")
			if err := emulation.SetLocaleOverride().WithLocale(locale).Do(ctx); err != nil {
				return fmt.Errorf("set locale: %w", err)
			}
		}
		if settings.Timezone != "" {
			if err := emulation.SetTimezoneOverride(settings.Timezone).Do(ctx); err != nil {
				return fmt.Errorf("set timezone: %w", err)
			}
		}
		vp := settings.Viewport
		if vp.Width > 0 && vp.Height > 0 {
			if err := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1, false).Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(settings.ExtraHeaders) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(settings.ExtraHeaders)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		return nil
	})
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
