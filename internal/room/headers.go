package room

import (
	"fmt"
	"math/rand"
	"net/http"
)

// The endpoint rejects clients that do not look like a desktop browser,
// so every request carries a UA drawn from this pool plus the referer
// the site sets for its own fetches.
var (
	osPool = []string{
		"(Windows NT 10.0; WOW64)",
		"(Windows NT 10.0; Win64; x64)",
		"(Windows NT 6.3; WOW64)",
		"(Windows NT 6.1; Win64; x64)",
		"(X11; Linux x86_64)",
		"(Macintosh; Intel Mac OS X 10_12_6)",
	}
	chromePool = []string{
		"110.0.5481.77",
		"109.0.5414.74",
		"108.0.5359.71",
		"107.0.5304.62",
		"106.0.5249.61",
		"105.0.5195.52",
	}
)

// RandomUA returns one desktop Chrome user-agent string from the pool.
func RandomUA() string {
	return fmt.Sprintf("Mozilla/5.0 %s AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
		osPool[rand.Intn(len(osPool))], chromePool[rand.Intn(len(chromePool))])
}

// CookieProvider supplies the cookie string attached to outbound
// requests. Implementations decide where cookies come from; this module
// never caches them itself.
type CookieProvider interface {
	Cookie() string
}

// StaticCookie is a CookieProvider returning a fixed string. An empty
// string means no cookie header.
type StaticCookie string

func (s StaticCookie) Cookie() string { return string(s) }

// BrowserHeaders fills h with the browser-shaped headers the webcast
// endpoints expect. cookie may be empty.
func BrowserHeaders(h http.Header, userAgent, cookie string) {
	h.Set("User-Agent", userAgent)
	h.Set("Referer", "https://live.douyin.com/")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
}
