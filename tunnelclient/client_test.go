package tunnelclient

import (
	"strings"
	"testing"
	"time"

	"github.com/burrowed/tunnel/internal/defaults"
)

func TestBuildConnectURLIncludesPortAndOmitsEmptySubdomain(t *testing.T) {
	c := NewClient(Config{ServerURL: "wss://tunnel.example.test", LocalPort: 4000})
	got, err := c.buildConnectURL()
	if err != nil {
		t.Fatalf("buildConnectURL: %v", err)
	}
	if !strings.HasPrefix(got, "wss://tunnel.example.test/__tunnel__/connect?") {
		t.Fatalf("got = %q", got)
	}
	if !strings.Contains(got, "port=4000") {
		t.Fatalf("expected port=4000 in %q", got)
	}
	if strings.Contains(got, "subdomain=") {
		t.Fatalf("did not expect a subdomain param in %q", got)
	}
}

func TestBuildConnectURLCarriesStickySubdomain(t *testing.T) {
	c := NewClient(Config{ServerURL: "wss://tunnel.example.test", LocalPort: 4000, Subdomain: "sleepy-otter-ab12"})
	got, err := c.buildConnectURL()
	if err != nil {
		t.Fatalf("buildConnectURL: %v", err)
	}
	if !strings.Contains(got, "subdomain=sleepy-otter-ab12") {
		t.Fatalf("expected sticky subdomain in %q", got)
	}
}

func TestBuildConnectURLRejectsInvalidServerURL(t *testing.T) {
	c := NewClient(Config{ServerURL: "://not-a-url", LocalPort: 4000})
	if _, err := c.buildConnectURL(); err == nil {
		t.Fatal("expected an error for an invalid server url")
	}
}

func TestSetSubdomainUpdatesConnectURL(t *testing.T) {
	c := NewClient(Config{ServerURL: "wss://tunnel.example.test", LocalPort: 4000})
	c.setSubdomain("brave-falcon-9f3a")
	if c.currentSubdomain() != "brave-falcon-9f3a" {
		t.Fatalf("currentSubdomain = %q", c.currentSubdomain())
	}
	got, err := c.buildConnectURL()
	if err != nil {
		t.Fatalf("buildConnectURL: %v", err)
	}
	if !strings.Contains(got, "subdomain=brave-falcon-9f3a") {
		t.Fatalf("expected updated subdomain in %q", got)
	}
}

func TestEmitIsNonBlockingWhenChannelFull(t *testing.T) {
	c := NewClient(Config{ServerURL: "wss://tunnel.example.test", LocalPort: 4000})
	c.Events = make(chan ConnectionEvent) // unbuffered, no reader

	done := make(chan struct{})
	go func() {
		c.emit(ConnectionEvent{State: "open"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full/unread channel")
	}
}

func TestReconnectDelayBacksOffAndCaps(t *testing.T) {
	if got := defaults.ReconnectDelay(1); got != defaults.ReconnectMinDelay {
		t.Fatalf("first attempt delay = %v, want %v", got, defaults.ReconnectMinDelay)
	}
	if got := defaults.ReconnectDelay(2); got != 2*defaults.ReconnectMinDelay {
		t.Fatalf("second attempt delay = %v, want %v", got, 2*defaults.ReconnectMinDelay)
	}
	if got := defaults.ReconnectDelay(100); got != defaults.ReconnectMaxDelay {
		t.Fatalf("delay should cap at %v, got %v", defaults.ReconnectMaxDelay, got)
	}
}
