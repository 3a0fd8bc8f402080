package node

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, KV item
// count, and this node's view of the membership.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Now     time.Time `json:"now"`
		Items   int       `json:"items"`
		Bytes   int       `json:"bytes"`
		WhoAmI  string    `json:"whoami"`
		Members int       `json:"members"`
	}
	data, _ := json.Marshal(resp{
		PID:     os.Getpid(),
		Now:     time.Now(),
		Items:   n.kv.Len(),
		Bytes:   n.kv.Used(),
		WhoAmI:  n.WhoAmI(),
		Members: n.gsp.Membership().Count(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Put stores a key/value pair on the owning node, forwarding when this
// node doesn't own the key.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if !n.HandleOrProxy(key, w, req) {
		return
	}

	val, err := io.ReadAll(req.Body)
	if err != nil && err.Error() != "EOF" {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(sec) * time.Second
	}
	n.kv.Put(key, val, ttl)
	n.log.Debug("put", zap.String("key", key), zap.Int("bytes", len(val)))
	w.WriteHeader(http.StatusNoContent)
}

// Get returns the value for a key, forwarding to the owner if remote.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if !n.HandleOrProxy(key, w, req) {
		return
	}

	val, ok := n.kv.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Del removes a key, forwarding to the owner if remote.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if !n.HandleOrProxy(key, w, req) {
		return
	}

	n.kv.Delete(key)
	w.WriteHeader(http.StatusNoContent)
}

// MGet serves multi-key reads: keys are grouped by owner, the local group
// is read from the local store, and one proxied request is dispatched per
// remote owner. The response is a JSON object of key -> base64 value (via
// encoding/json's []byte handling), with missing keys omitted.
func (n *Node) MGet(w http.ResponseWriter, req *http.Request) {
	raw := req.URL.Query().Get("keys")
	if raw == "" {
		http.Error(w, "missing keys", http.StatusBadRequest)
		return
	}
	keys := strings.Split(raw, ",")

	local := func(ks []string) ([]byte, error) {
		vals := make(map[string][]byte, len(ks))
		for _, k := range ks {
			if v, ok := n.kv.Get(k); ok {
				vals[k] = v
			}
		}
		return json.Marshal(vals)
	}

	merged := make(map[string][]byte)
	for _, gr := range n.HandleOrProxyAll(req, keys, local) {
		if gr.Err != nil || gr.StatusCode != http.StatusOK {
			n.log.Warn("mget group failed",
				zap.String("owner", gr.Owner), zap.Int("status", gr.StatusCode), zap.Error(gr.Err))
			continue
		}
		part := make(map[string][]byte)
		if err := json.Unmarshal(gr.Body, &part); err != nil {
			continue
		}
		for k, v := range part {
			merged[k] = v
		}
	}

	data, _ := json.Marshal(merged)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
