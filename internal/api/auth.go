package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/identity"
)

const (
	// HeaderIdentity carries the caller's base58 public key.
	HeaderIdentity = "X-Identity"
	// HeaderSignature carries a base58 ed25519 signature over SigningMessage.
	HeaderSignature = "X-Signature"
	// HeaderTimestamp carries the signing time in unix seconds.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce carries a per-request value the signer never reuses.
	HeaderNonce = "X-Nonce"

	// DefaultSignatureWindow bounds how far a request's timestamp may be
	// from the server clock.
	DefaultSignatureWindow = 2 * time.Minute

	maxBodyBytes = 1 << 20
	maxNonceLen  = 64
)

type callerKey struct{}

// SigningMessage is the byte string a caller signs: the method, the request
// path, the timestamp and the nonce, one per line, followed by the raw body.
func SigningMessage(method, path string, ts int64, nonce string, body []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(method) + len(path) + len(nonce) + len(body) + 24)
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.Write(body)
	return b.Bytes()
}

// Authenticate verifies the request signature and stores the signer in the
// request context. The body is buffered so handlers can decode it again.
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claimed, err := address.Parse(r.Header.Get(HeaderIdentity))
		if err != nil {
			writeError(w, "missing or invalid "+HeaderIdentity+" header", http.StatusUnauthorized)
			return
		}
		sig, err := base58.Decode(r.Header.Get(HeaderSignature))
		if err != nil || len(sig) == 0 {
			writeError(w, "missing or invalid "+HeaderSignature+" header", http.StatusUnauthorized)
			return
		}
		ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		if err != nil {
			writeError(w, "missing or invalid "+HeaderTimestamp+" header", http.StatusUnauthorized)
			return
		}
		nonce := r.Header.Get(HeaderNonce)
		if nonce == "" || len(nonce) > maxNonceLen {
			writeError(w, "missing or invalid "+HeaderNonce+" header", http.StatusUnauthorized)
			return
		}

		now := s.now()
		signedAt := time.Unix(ts, 0)
		if signedAt.Before(now.Add(-s.window)) || signedAt.After(now.Add(s.window)) {
			writeError(w, "request timestamp outside the accepted window", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		msg := SigningMessage(r.Method, r.URL.Path, ts, nonce, body)
		if err := s.verifier.Verify(r.Context(), claimed, msg, sig); err != nil {
			slog.Warn("signature rejected", "identity", claimed.String(), "path", r.URL.Path, "err", err)
			writeError(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
		if !s.nonces.add(claimed.String()+"/"+nonce, now, signedAt.Add(s.window)) {
			slog.Warn("replayed request rejected", "identity", claimed.String(), "path", r.URL.Path)
			writeError(w, "request already processed", http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := context.WithValue(r.Context(), callerKey{}, claimed)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the authenticated identity, or the zero address on routes
// without Authenticate.
func caller(r *http.Request) address.Address {
	a, _ := r.Context().Value(callerKey{}).(address.Address)
	return a
}

// SignRequest signs req for body at the current time with a fresh nonce.
func SignRequest(req *http.Request, signer *identity.Signer, body []byte) {
	SignRequestAt(req, signer, body, time.Now(), uuid.NewString())
}

// SignRequestAt sets the identity, timestamp, nonce and signature headers
// on req. req.URL.Path must be the path the server routes.
func SignRequestAt(req *http.Request, signer *identity.Signer, body []byte, at time.Time, nonce string) {
	ts := at.Unix()
	req.Header.Set(HeaderIdentity, signer.Identity().String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, base58.Encode(signer.Sign(SigningMessage(req.Method, req.URL.Path, ts, nonce, body))))
}

// nonceCache remembers accepted nonces until their timestamp leaves the
// signature window. It is per process.
type nonceCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

func newNonceCache() *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time)}
}

// add records key until expires and reports whether it was new.
func (c *nonceCache) add(key string, now, expires time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastPrune) >= time.Second {
		for k, exp := range c.seen {
			if !exp.After(now) {
				delete(c.seen, k)
			}
		}
		c.lastPrune = now
	}
	if exp, ok := c.seen[key]; ok && exp.After(now) {
		return false
	}
	c.seen[key] = expires
	return true
}
