// Package gateway is the single public entry point in front of the lending
// services. It strips the /api/v1/<service> prefix and proxies the rest.
package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/libranexus/lending/pkg/errors"
	"github.com/libranexus/lending/pkg/httpx"
	"github.com/libranexus/lending/pkg/logger"
)

const apiPrefix = "/api/v1"

// Upstream maps a public path segment to a service base URL.
type Upstream struct {
	Name    string
	BaseURL string
}

// Mount registers one proxy per upstream on r under /api/v1/<name>.
func Mount(r chi.Router, logg *logger.Logger, upstreams ...Upstream) error {
	for _, up := range upstreams {
		target, err := url.Parse(up.BaseURL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("invalid upstream url for %s: %q", up.Name, up.BaseURL)
		}
		prefix := apiPrefix + "/" + up.Name
		r.Mount(prefix, http.StripPrefix(prefix, newProxy(up.Name, target, logg)))
	}
	return nil
}

func newProxy(name string, target *url.URL, logg *logger.Logger) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := logg.WithField(r.Context(), "upstream", name)
			httpx.WriteError(ctx, logg, w,
				pkgerrors.Wrap(pkgerrors.CodeServiceUnavailable, err, fmt.Sprintf("%s service unavailable", name)))
		},
	}
	return proxy
}
