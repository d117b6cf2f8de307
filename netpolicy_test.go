package loom

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidateFetchURL(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"https://example.com/page", true},
		{"http://example.com", true},
		{"ftp://example.com/file", false},
		{"file:///etc/passwd", false},
		{"https://", false},
		{"not a url at all ://", false},
	}
	for _, c := range cases {
		_, err := ValidateFetchURL(c.raw)
		if c.ok && err != nil {
			t.Errorf("%q: unexpected error %v", c.raw, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%q: expected rejection", c.raw)
		}
	}
}

func TestPrivateHost(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"localhost:8080", true},
		{"127.0.0.1", true},
		{"10.0.4.2", true},
		{"192.168.1.1:443", true},
		{"169.254.169.254", true},
		{"[::1]", true},
		{"example.com", false},
		{"110.0.0.1", false},
		{"192.169.0.1", false},
	}
	for _, c := range cases {
		if got := PrivateHost(c.host); got != c.want {
			t.Errorf("PrivateHost(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestFetcherReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := NewFetcher()
	body, err := f.Fetch(context.Background(), "a1", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Errorf("got body %q", body)
	}
}

func TestFetcherEnforcesByteCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := NewFetcher(WithMaxFetchBytes(16))
	_, err := f.Fetch(context.Background(), "a1", srv.URL)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestFetcherVerifierGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	v := NewCapabilityVerifier(NewCapabilityRegistry(), nil)
	v.Grant(Grant{AgentID: "a1", AllowedNetworkHosts: []string{"allowed.example"}})

	f := NewFetcher(WithFetchVerifier(v))
	_, err := f.Fetch(context.Background(), "a1", srv.URL)
	var perr *PermissionDeniedError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want PermissionDeniedError", err)
	}
}

func TestFetcherWarnsOnPrivateHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	bus := NewBus()
	warnings := 0
	bus.On(EventNetworkWarning, func(Event) { warnings++ })

	f := NewFetcher(WithFetchBus(bus))
	// httptest binds to 127.0.0.1, which is on the private list.
	if _, err := f.Fetch(context.Background(), "a1", srv.URL); err != nil {
		t.Fatal(err)
	}
	if warnings != 1 {
		t.Errorf("got %d warning events, want 1", warnings)
	}
}

func TestFetcherServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), "a1", srv.URL)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProviderError", err)
	}
	if !perr.Transient {
		t.Error("5xx should be transient")
	}
	if perr.Status != http.StatusBadGateway {
		t.Errorf("got status %d", perr.Status)
	}
}

func TestFetcherClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), "a1", srv.URL)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProviderError", err)
	}
	if perr.Transient {
		t.Error("404 should not be transient")
	}
}
