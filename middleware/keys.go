package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

// ErrKeyExtractionFailed is returned when no rate limit key can be derived from a request
var ErrKeyExtractionFailed = errors.New("failed to extract key from request")

// KeyExtractor derives the rate limit key (client identity) from a request.
type KeyExtractor func(*http.Request) (string, error)

func remoteIP(r *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port
		ip = r.RemoteAddr
	}
	if ip == "" {
		return "", fmt.Errorf("%w: empty remote address", ErrKeyExtractionFailed)
	}
	return ip, nil
}

// ExtractIP keys requests by the connection's remote IP.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		ip, err := remoteIP(r)
		if err != nil {
			return "", err
		}
		return "ip:" + ip, nil
	}
}

// ExtractIPWithProxy trusts X-Forwarded-For (first hop) and X-Real-IP before
// falling back to the remote address. Only use it behind a proxy that sets
// these headers, otherwise clients can pick their own key.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return "ip:" + ip, nil
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return "ip:" + ip, nil
		}

		ip, err := remoteIP(r)
		if err != nil {
			return "", err
		}
		return "ip:" + ip, nil
	}
}

// ExtractHeader keys requests by the value of the named header.
func ExtractHeader(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("%w: header %s missing", ErrKeyExtractionFailed, name)
		}
		return "header:" + name + ":" + value, nil
	}
}

// ExtractBearer keys requests by the token in "Authorization: Bearer <token>".
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header missing", ErrKeyExtractionFailed)
		}
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: Authorization is not a bearer token", ErrKeyExtractionFailed)
		}
		if token = strings.TrimSpace(token); token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtractionFailed)
		}
		return "bearer:" + token, nil
	}
}

// ExtractCookie keys requests by the value of the named cookie.
func ExtractCookie(name string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(name)
		if err != nil || cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s missing", ErrKeyExtractionFailed, name)
		}
		return "cookie:" + name + ":" + cookie.Value, nil
	}
}

// ExtractStatic puts every request under one key, i.e. a global limit.
func ExtractStatic(key string) KeyExtractor {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// ExtractComposite returns the key of the first extractor that succeeds.
//
//	ExtractComposite(
//	    ExtractHeader("X-API-Key"),
//	    ExtractIPWithProxy(), // anonymous clients
//	)
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if len(extractors) == 0 {
			return "", fmt.Errorf("%w: no extractors configured", ErrKeyExtractionFailed)
		}
		var errs []error
		for _, extract := range extractors {
			key, err := extract(r)
			if err == nil && key != "" {
				return key, nil
			}
			errs = append(errs, err)
		}
		return "", fmt.Errorf("%w: all extractors failed: %w", ErrKeyExtractionFailed, errors.Join(errs...))
	}
}

// ParseKeyExtractor builds a KeyExtractor from its configuration string:
//
//	ip, ip-proxy, bearer, header:<Name>, cookie:<Name>, static:<key>
//
// Alternatives separated by "|" are tried in order, e.g. "header:X-API-Key|ip".
func ParseKeyExtractor(expr string) (KeyExtractor, error) {
	if alternatives := strings.Split(expr, "|"); len(alternatives) > 1 {
		extractors := make([]KeyExtractor, 0, len(alternatives))
		for _, alt := range alternatives {
			e, err := ParseKeyExtractor(strings.TrimSpace(alt))
			if err != nil {
				return nil, err
			}
			extractors = append(extractors, e)
		}
		return ExtractComposite(extractors...), nil
	}

	kind, arg, hasArg := strings.Cut(expr, ":")
	needArg := func() error {
		if !hasArg || arg == "" {
			return fmt.Errorf("%w: key extractor %q requires the form '%s:<value>'", ratelimit.ErrInvalidConfig, expr, kind)
		}
		return nil
	}

	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header":
		if err := needArg(); err != nil {
			return nil, err
		}
		return ExtractHeader(arg), nil
	case "cookie":
		if err := needArg(); err != nil {
			return nil, err
		}
		return ExtractCookie(arg), nil
	case "static":
		if err := needArg(); err != nil {
			return nil, err
		}
		return ExtractStatic(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key extractor %q", ratelimit.ErrInvalidConfig, kind)
	}
}
