package node

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Proxy forwards keyed HTTP requests to the remote owner of the key.
// Forward streams the response straight back to the caller's
// ResponseWriter; Fan issues an owner-scoped copy of a request for the
// grouped fan-out in HandleOrProxyAll.
type Proxy interface {
	Forward(w http.ResponseWriter, req *http.Request, owner string) error
	Fan(req *http.Request, owner string, keys []string) GroupResponse
}

// GroupResponse is one owner's share of a HandleOrProxyAll fan-out.
type GroupResponse struct {
	Owner      string
	Keys       []string
	Local      bool
	StatusCode int
	Body       []byte
	Err        error
}

// HandleOrProxy returns true when this node owns key, meaning the caller
// should handle the request locally. Otherwise it forwards the request to
// the owner through the Proxy and returns false; the response has already
// been written.
func (n *Node) HandleOrProxy(key string, w http.ResponseWriter, req *http.Request) bool {
	owner := n.Lookup(key)
	if owner == n.WhoAmI() {
		return true
	}
	if err := n.proxy.Forward(w, req, owner); err != nil {
		n.log.Warn("forward failed", zap.String("key", key), zap.String("owner", owner), zap.Error(err))
	}
	return false
}

// HandleOrProxyAll groups keys by owner, invokes localHandler once with
// the locally-owned group, and dispatches one proxied request per remote
// owner, gathering every group's response. Order of the returned slice is
// unspecified; each entry names its owner and keys.
func (n *Node) HandleOrProxyAll(req *http.Request, keys []string, localHandler func(keys []string) ([]byte, error)) []GroupResponse {
	groups := make(map[string][]string)
	for _, k := range keys {
		owner := n.Lookup(k)
		groups[owner] = append(groups[owner], k)
	}

	out := make([]GroupResponse, 0, len(groups))
	results := make(chan GroupResponse, len(groups))
	remote := 0

	for owner, ks := range groups {
		if owner == n.WhoAmI() {
			body, err := localHandler(ks)
			status := http.StatusOK
			if err != nil {
				status = http.StatusInternalServerError
			}
			out = append(out, GroupResponse{Owner: owner, Keys: ks, Local: true, StatusCode: status, Body: body, Err: err})
			continue
		}
		remote++
		owner, ks := owner, ks
		go func() {
			results <- n.proxy.Fan(req, owner, ks)
		}()
	}

	for i := 0; i < remote; i++ {
		out = append(out, <-results)
	}
	return out
}

// HTTPProxy is the default Proxy: it re-issues the request over HTTP to
// the owner's host, preserving method, path, headers and body.
type HTTPProxy struct {
	client *http.Client
	log    *zap.Logger
}

// NewHTTPProxy builds a proxy with the given per-request timeout.
func NewHTTPProxy(timeout time.Duration, log *zap.Logger) *HTTPProxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPProxy{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Forward streams req to owner and copies the response back to w.
func (p *HTTPProxy) Forward(w http.ResponseWriter, req *http.Request, owner string) error {
	if owner == "" {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return nil
	}

	target := *req.URL
	target.Scheme = "http"
	target.Host = NormalizeHostPort(owner, "8080")

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return err
	}
	out.Header = req.Header.Clone()
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)

	resp, err := p.client.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return err
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	return nil
}

// Fan re-issues req's method and path to owner with the group's keys in
// the query string, for the multi-key fan-out. The original body is not
// replayed; multi-key operations carry their payload in the keys.
func (p *HTTPProxy) Fan(req *http.Request, owner string, keys []string) GroupResponse {
	target := url.URL{
		Scheme:   "http",
		Host:     NormalizeHostPort(owner, "8080"),
		Path:     req.URL.Path,
		RawQuery: url.Values{"keys": {strings.Join(keys, ",")}}.Encode(),
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), nil)
	if err != nil {
		return GroupResponse{Owner: owner, Keys: keys, Err: err}
	}
	out.Header = req.Header.Clone()

	resp, err := p.client.Do(out)
	if err != nil {
		return GroupResponse{Owner: owner, Keys: keys, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return GroupResponse{Owner: owner, Keys: keys, StatusCode: resp.StatusCode, Body: body, Err: err}
}
