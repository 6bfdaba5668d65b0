package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

func TestExtractIP(t *testing.T) {
	extractor := ExtractIP()

	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{"valid IP with port", "192.168.1.1:12345", "ip:192.168.1.1"},
		{"valid IP without port", "192.168.1.1", "ip:192.168.1.1"},
		{"IPv6 with port", "[2001:db8::1]:8080", "ip:2001:db8::1"},
		{"localhost", "127.0.0.1:54321", "ip:127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr

			got, err := extractor(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = ""
	if _, err := extractor(req); !errors.Is(err, ErrKeyExtractionFailed) {
		t.Errorf("empty RemoteAddr error = %v, want ErrKeyExtractionFailed", err)
	}
}

func TestExtractIPWithProxy(t *testing.T) {
	extractor := ExtractIPWithProxy()

	tests := []struct {
		name          string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{"X-Forwarded-For single IP", "203.0.113.1", "", "ip:203.0.113.1"},
		{"X-Forwarded-For chain uses first hop", "203.0.113.1, 70.41.3.18, 150.172.238.178", "", "ip:203.0.113.1"},
		{"X-Real-IP", "", "198.51.100.7", "ip:198.51.100.7"},
		{"X-Forwarded-For wins over X-Real-IP", "203.0.113.1", "198.51.100.7", "ip:203.0.113.1"},
		{"garbage X-Forwarded-For falls through", "not-an-ip", "198.51.100.7", "ip:198.51.100.7"},
		{"no headers uses RemoteAddr", "", "", "ip:10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "10.0.0.1:1234"
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got, err := extractor(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractHeader(t *testing.T) {
	extractor := ExtractHeader("X-API-Key")

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-API-Key", "secret-123")
	got, err := extractor(req)
	if err != nil || got != "header:X-API-Key:secret-123" {
		t.Errorf("got %q, %v", got, err)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	if _, err := extractor(req); !errors.Is(err, ErrKeyExtractionFailed) {
		t.Errorf("missing header error = %v, want ErrKeyExtractionFailed", err)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name    string
		auth    string
		want    string
		wantErr bool
	}{
		{"valid token", "Bearer abc.def", "bearer:abc.def", false},
		{"lowercase scheme", "bearer abc", "bearer:abc", false},
		{"missing header", "", "", true},
		{"basic auth", "Basic dXNlcjpwYXNz", "", true},
		{"no token", "Bearer ", "", true},
		{"no space", "Bearer", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			got, err := ExtractBearer()(req)
			if tt.wantErr {
				if !errors.Is(err, ErrKeyExtractionFailed) {
					t.Errorf("error = %v, want ErrKeyExtractionFailed", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestExtractCookie(t *testing.T) {
	extractor := ExtractCookie("session_id")

	req := httptest.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "s-42"})
	if got, err := extractor(req); err != nil || got != "cookie:session_id:s-42" {
		t.Errorf("got %q, %v", got, err)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	if _, err := extractor(req); !errors.Is(err, ErrKeyExtractionFailed) {
		t.Errorf("missing cookie error = %v", err)
	}
}

func TestExtractStatic(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	if got, err := ExtractStatic("global")(req); err != nil || got != "global" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := ExtractStatic("")(req); !errors.Is(err, ErrKeyExtractionFailed) {
		t.Errorf("empty static key error = %v", err)
	}
}

func TestExtractComposite(t *testing.T) {
	extractor := ExtractComposite(ExtractHeader("X-API-Key"), ExtractIP())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.1:1"
	req.Header.Set("X-API-Key", "k1")
	if got, _ := extractor(req); got != "header:X-API-Key:k1" {
		t.Errorf("got %q, want header key", got)
	}

	req.Header.Del("X-API-Key")
	if got, _ := extractor(req); got != "ip:10.0.0.1" {
		t.Errorf("got %q, want IP fallback", got)
	}

	failing := ExtractComposite(ExtractHeader("X-A"), ExtractHeader("X-B"))
	if _, err := failing(req); !errors.Is(err, ErrKeyExtractionFailed) {
		t.Errorf("error = %v, want ErrKeyExtractionFailed", err)
	}
	if _, err := ExtractComposite()(req); !errors.Is(err, ErrKeyExtractionFailed) {
		t.Errorf("empty composite error = %v", err)
	}
}

func TestParseKeyExtractor(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "10.0.0.1:1"
	req.Header.Set("X-API-Key", "k1")
	req.Header.Set("Authorization", "Bearer tok")
	req.AddCookie(&http.Cookie{Name: "sid", Value: "c1"})

	tests := []struct {
		expr    string
		want    string
		wantErr bool
	}{
		{"ip", "ip:10.0.0.1", false},
		{"ip-proxy", "ip:10.0.0.1", false},
		{"header:X-API-Key", "header:X-API-Key:k1", false},
		{"bearer", "bearer:tok", false},
		{"cookie:sid", "cookie:sid:c1", false},
		{"static:all", "all", false},
		{"header:X-Missing|ip", "ip:10.0.0.1", false},
		{"header", "", true},
		{"cookie:", "", true},
		{"static", "", true},
		{"geo", "", true},
		{"ip|nope", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			extractor, err := ParseKeyExtractor(tt.expr)
			if tt.wantErr {
				if !errors.Is(err, ratelimit.ErrInvalidConfig) {
					t.Errorf("error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, err := extractor(req)
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}
