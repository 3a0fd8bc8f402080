package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// Protocol endpoint paths served and dialed by the HTTP gossip transport.
const (
	protoPingPath    = "/protocol/ping"
	protoPingReqPath = "/protocol/ping-req"
	protoJoinPath    = "/protocol/join"
	protoLeavePath   = "/protocol/leave"
)

// HTTPTransport implements gossip.Transport over plain HTTP with JSON
// bodies, matching the wire schemas in pkg/gossip/message.go. Errors it
// returns are plain errors (network failure, non-200 status, undecodable
// body), not gossip.Error values; the gossip package treats them as failed
// calls, never as fatal.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds a transport. timeout bounds every call; the
// caller's context deadline also applies, and whichever is shorter ends
// the call.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) post(ctx context.Context, addr, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	url := "http://" + NormalizeHostPort(addr, "8080") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gossip transport: %s %s: status %d", path, addr, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

func (t *HTTPTransport) Ping(ctx context.Context, addr string, req gossip.PingRequest) (gossip.PingResponse, error) {
	var resp gossip.PingResponse
	err := t.post(ctx, addr, protoPingPath, req, &resp)
	return resp, err
}

func (t *HTTPTransport) PingReq(ctx context.Context, addr string, req gossip.PingReqRequest) (gossip.PingReqResponse, error) {
	var resp gossip.PingReqResponse
	err := t.post(ctx, addr, protoPingReqPath, req, &resp)
	return resp, err
}

func (t *HTTPTransport) Join(ctx context.Context, addr string, req gossip.JoinRequest) (gossip.JoinResponse, error) {
	var resp gossip.JoinResponse
	err := t.post(ctx, addr, protoJoinPath, req, &resp)
	return resp, err
}

func (t *HTTPTransport) Leave(ctx context.Context, addr string, req gossip.LeaveRequest) (gossip.LeaveResponse, error) {
	var resp gossip.LeaveResponse
	err := t.post(ctx, addr, protoLeavePath, req, &resp)
	return resp, err
}

// RegisterProtocolRoutes mounts the gossip protocol endpoints on mux,
// served by this node's handlers. Malformed bodies are rejected with 400
// and cause no membership side effect.
func (n *Node) RegisterProtocolRoutes(mux *http.ServeMux) {
	h := n.gsp.Handlers()

	mux.HandleFunc(protoPingPath, func(w http.ResponseWriter, r *http.Request) {
		var req gossip.PingRequest
		if !decodeProtocol(w, r, &req, n.log) {
			return
		}
		writeJSON(w, h.HandlePing(req))
	})

	mux.HandleFunc(protoPingReqPath, func(w http.ResponseWriter, r *http.Request) {
		var req gossip.PingReqRequest
		if !decodeProtocol(w, r, &req, n.log) {
			return
		}
		writeJSON(w, h.HandlePingReq(r.Context(), req))
	})

	mux.HandleFunc(protoJoinPath, func(w http.ResponseWriter, r *http.Request) {
		var req gossip.JoinRequest
		if !decodeProtocol(w, r, &req, n.log) {
			return
		}
		resp, err := h.HandleJoin(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc(protoLeavePath, func(w http.ResponseWriter, r *http.Request) {
		var req gossip.LeaveRequest
		if !decodeProtocol(w, r, &req, n.log) {
			return
		}
		writeJSON(w, h.HandleLeave(req))
	})
}

func decodeProtocol(w http.ResponseWriter, r *http.Request, v any, log *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		perr := &gossip.Error{Kind: gossip.ErrProtocol, Op: r.URL.Path, Code: "malformed-body", Err: err}
		log.Warn("malformed protocol body", zap.Error(perr))
		http.Error(w, perr.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
