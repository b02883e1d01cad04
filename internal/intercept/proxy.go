package intercept

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// NewProxy returns a reverse proxy to upstream whose responses pass through
// hook. prefix is stripped from the incoming path.
func NewProxy(upstream, prefix string, hook *PageHook) (http.Handler, error) {
	target, err := url.Parse(strings.TrimSpace(upstream))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid proxy upstream %q", upstream)
	}
	prefix = "/" + strings.Trim(prefix, "/")

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			p := strings.TrimPrefix(pr.In.URL.Path, prefix)
			if p == "" {
				p = "/"
			}
			pr.Out.URL.Path = singleJoin(target.Path, p)
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		ModifyResponse: hook.ModifyResponse,
	}
	return rp, nil
}

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}
