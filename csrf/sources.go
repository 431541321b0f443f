package csrf

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"golang.org/x/net/html"
)

const MetaName = "csrf-token"

// DefaultCookieNames are checked in order by CookieSource.
var DefaultCookieNames = []string{"XSRF-TOKEN", "CSRF-TOKEN"}

// MetaSource reads <meta name="csrf-token"> from the application's HTML page.
type MetaSource struct {
	client  *http.Client
	pageURL string
}

func NewMetaSource(client *http.Client, pageURL string) *MetaSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &MetaSource{client: client, pageURL: pageURL}
}

func (m *MetaSource) Name() string { return "meta" }

func (m *MetaSource) Lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.pageURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "MetaSource.Lookup NewRequest")
	}
	req.Header.Set("Accept", "text/html")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "MetaSource.Lookup Do")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrUnavailable
	}
	return ExtractMeta(resp.Body)
}

// ExtractMeta returns the content of the csrf-token meta tag in an HTML document.
func ExtractMeta(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", errors.Wrap(err, "ExtractMeta Parse")
	}

	var found string
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var name, content string
			for _, attr := range n.Attr {
				switch strings.ToLower(attr.Key) {
				case "name":
					name = attr.Val
				case "content":
					content = attr.Val
				}
			}
			if strings.EqualFold(name, MetaName) && content != "" {
				found = content
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}

	if !walk(doc) {
		return "", ErrUnavailable
	}
	return found, nil
}

// CookieSource reads the token from cookies the backend set in the shared jar.
type CookieSource struct {
	jar   http.CookieJar
	url   *url.URL
	names []string
}

func NewCookieSource(jar http.CookieJar, u *url.URL, names ...string) *CookieSource {
	if len(names) == 0 {
		names = DefaultCookieNames
	}
	return &CookieSource{jar: jar, url: u, names: names}
}

func (c *CookieSource) Name() string { return "cookie" }

func (c *CookieSource) Lookup(_ context.Context) (string, error) {
	if c.jar == nil {
		return "", ErrUnavailable
	}
	cookies := c.jar.Cookies(c.url)
	for _, name := range c.names {
		for _, cookie := range cookies {
			if cookie.Name != name || cookie.Value == "" {
				continue
			}
			value, err := url.QueryUnescape(cookie.Value)
			if err != nil {
				return "", errors.Wrapf(err, "csrf: decode cookie %s", name)
			}
			return value, nil
		}
	}
	return "", ErrUnavailable
}
