package docker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
)

func TestDecodeBuildStream(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM alpine\n"}
{"status":"Downloading","id":"abc","progressDetail":{"current":5,"total":10}}
{"aux":{"ID":"sha256:123"}}
`
	var lines []string
	if err := decodeBuildStream(strings.NewReader(stream), func(l string) { lines = append(lines, l) }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"Step 1/2 : FROM alpine", "abc Downloading 5/10", "image id: sha256:123"}
	if len(lines) != len(want) {
		t.Fatalf("expected %v, got %v", want, lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestDecodeBuildStreamError(t *testing.T) {
	stream := `{"stream":"Step 1/1 : RUN false\n"}
{"errorDetail":{"message":"returned a non-zero code: 1"}}
`
	err := decodeBuildStream(strings.NewReader(stream), nil)
	if err == nil || !strings.Contains(err.Error(), "non-zero code") {
		t.Fatalf("expected build error, got %v", err)
	}
}

func TestContainerConfigBindsLoopback(t *testing.T) {
	cfg, host, err := containerConfig(RunOptions{
		Name:          "sk-site",
		Image:         "sitekeeper/site:abc",
		SiteID:        "site-1",
		ContainerPort: 3000,
		HostPort:      21000,
		Volume:        "sk-site-data",
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	bindings := host.PortBindings[nat.Port("3000/tcp")]
	if len(bindings) != 1 || bindings[0].HostIP != "127.0.0.1" || bindings[0].HostPort != "21000" {
		t.Fatalf("unexpected bindings %+v", bindings)
	}
	if cfg.Labels[siteLabel] != "site-1" {
		t.Fatalf("expected site label, got %v", cfg.Labels)
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Target != "/data" {
		t.Fatalf("expected data volume mount, got %+v", host.Mounts)
	}
	found := false
	for _, kv := range cfg.Env {
		if kv == "PORT=3000" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PORT in env, got %v", cfg.Env)
	}
	if _, _, err := containerConfig(RunOptions{Image: "x"}); err == nil {
		t.Fatal("expected missing ports to fail")
	}
}

func TestConnectUnreachableDaemon(t *testing.T) {
	c, err := Connect(context.Background(), "tcp://127.0.0.1:1", time.Second)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if c != nil {
		t.Fatal("expected no client on failure")
	}
}

func TestNilClientIsUnavailable(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
	if err := ignoreNotFound(nil, "noop"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := ignoreNotFound(errors.New("boom"), "remove container"); err == nil || !strings.Contains(err.Error(), "remove container") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
