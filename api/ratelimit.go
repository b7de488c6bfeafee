package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Every proof or hardware verification costs at least one call to the
// attestation authority, so each request counts against the limits whether it
// succeeds or not.
const (
	// attestIPMaxRequests is the number of requests per IP within
	// attestIPWindow before lockout begins.
	attestIPMaxRequests = 60
	attestIPWindow      = 1 * time.Minute
	attestIPBaseLockout = 1 * time.Minute
	attestIPMaxLockout  = 15 * time.Minute
	// attestIPExpiry is how long after the last request a record is dropped.
	attestIPExpiry = 1 * time.Hour

	attestGlobalWindow      = 1 * time.Minute
	attestGlobalMaxRequests = 600
	attestGlobalLockout     = 1 * time.Minute
)

type attemptRecord struct {
	window      []time.Time
	lockouts    int
	lastRequest time.Time
	lockedUntil time.Time
}

// attestLimiter throttles attestation work per source IP and globally.
type attestLimiter struct {
	mu  sync.Mutex
	now func() time.Time

	perIP map[string]*attemptRecord

	global       []time.Time
	globalLocked time.Time

	ipMax     int
	globalMax int
}

func newAttestLimiter() *attestLimiter {
	return &attestLimiter{
		now:       time.Now,
		perIP:     make(map[string]*attemptRecord),
		ipMax:     attestIPMaxRequests,
		globalMax: attestGlobalMaxRequests,
	}
}

// allow records a request from ip and reports whether it may proceed. When
// it may not, retryAfter says how long the caller should wait.
func (rl *attestLimiter) allow(ip string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.globalLocked) {
		return false, rl.globalLocked.Sub(now)
	}

	rec, exists := rl.perIP[ip]
	if exists && now.Sub(rec.lastRequest) > attestIPExpiry {
		exists = false
	}
	if !exists {
		rec = &attemptRecord{}
		rl.perIP[ip] = rec
	}
	if now.Before(rec.lockedUntil) {
		return false, rec.lockedUntil.Sub(now)
	}

	rec.lastRequest = now
	rec.window = trimWindow(append(rec.window, now), now, attestIPWindow)
	if len(rec.window) > rl.ipMax {
		// Exponential backoff: base * 2^(lockouts), capped.
		lockout := attestIPBaseLockout
		for i := 0; i < rec.lockouts; i++ {
			lockout *= 2
			if lockout > attestIPMaxLockout {
				lockout = attestIPMaxLockout
				break
			}
		}
		rec.lockouts++
		rec.window = rec.window[:0]
		rec.lockedUntil = now.Add(lockout)
		return false, lockout
	}

	rl.global = trimWindow(append(rl.global, now), now, attestGlobalWindow)
	if len(rl.global) > rl.globalMax {
		rl.global = rl.global[:0]
		rl.globalLocked = now.Add(attestGlobalLockout)
		return false, attestGlobalLockout
	}
	return true, 0
}

// sweep removes expired per-IP records.
func (rl *attestLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, rec := range rl.perIP {
		if now.Sub(rec.lastRequest) > attestIPExpiry && now.After(rec.lockedUntil) {
			delete(rl.perIP, ip)
		}
	}
}

// rateLimit wraps handlers that call the attestation authority.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := a.extractClientIP(r)
		if ok, retryAfter := a.limiter.allow(ip); !ok {
			a.audit.log(AuditRateLimited, r, slog.String("client_ip", ip))
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many verification requests; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// parseTrustedProxies accepts CIDRs or bare addresses (treated as /32 or
// /128).
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if p, err := netip.ParsePrefix(v); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", v)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// when the request's RemoteAddr falls within one of trustedProxies. With no
// trusted proxies configured, RemoteAddr is always used.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
