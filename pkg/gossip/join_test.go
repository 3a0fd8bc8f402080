package gossip

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	if err := os.WriteFile(path, []byte(`["10.0.0.1:3000", "10.0.0.2:3000"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	hosts, err := FileSeeds{Path: path}.Seeds(context.Background())
	if err != nil {
		t.Fatalf("Seeds: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "10.0.0.1:3000" {
		t.Fatalf("hosts = %v", hosts)
	}
}

func TestFileSeedsMissingFile(t *testing.T) {
	_, err := FileSeeds{Path: filepath.Join(t.TempDir(), "nope.json")}.Seeds(context.Background())
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFileSeedsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := FileSeeds{Path: path}.Seeds(context.Background())
	var e *Error
	if !errors.As(err, &e) || e.Code != "bootstrap-file-malformed" {
		t.Fatalf("expected bootstrap-file-malformed, got %v", err)
	}
}

func TestAddressFamily(t *testing.T) {
	cases := []struct{ addr, want string }{
		{"127.0.0.1:3000", "ip"},
		{"10.0.0.1:8080", "ip"},
		{"[::1]:3000", "ip"},
		{"node1:3000", "hostname"},
		{"gossip.internal:3000", "hostname"},
	}
	for _, tc := range cases {
		if got := addressFamily(tc.addr); got != tc.want {
			t.Fatalf("addressFamily(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}

	hosts := []string{"10.0.0.1:1", "10.0.0.2:1", "node3:1"}
	if got := majorityFamily(hosts); got != "ip" {
		t.Fatalf("majorityFamily = %q, want ip", got)
	}
}
