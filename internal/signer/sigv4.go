// Package signer produces AWS Signature Version 4 Authorization headers for
// outbound Lambda Invoke requests (IMDS requests are sent unsigned). It is
// the forward counterpart of
// hive/gateway's inbound SigV4 verifier: both build on the same canonical
// request primitives, one to check a signature, this one to produce it.
package signer

import (
	"fmt"
	"sync"
	"time"

	"github.com/mulgadc/predastore/auth"
)

// Service is the fixed AWS service name mqless signs requests for.
const Service = "lambda"

// Signer derives AWS4-HMAC-SHA256 Authorization headers and caches the
// derived signing key for the current UTC date. Region/service only change
// the key derivation, not the fact that the cache is keyed by date alone
// (spec.md §9 "Signing key cache": an optimization, not a correctness
// dependency, so one stale slot is fine across a region/service change —
// the cache simply misses once and re-derives).
type Signer struct {
	mu sync.Mutex

	accessKey string
	secret    string
	region    string
	service   string

	cachedDate string
	cachedKey  []byte
}

// New returns a Signer for the given static credentials.
func New(accessKey, secret, region string) *Signer {
	return &Signer{
		accessKey: accessKey,
		secret:    secret,
		region:    region,
		service:   Service,
	}
}

// Rotate replaces the signer's credentials in place, e.g. after an IMDS
// credential refresh. The signing-key cache is invalidated since it was
// derived from the old secret.
func (s *Signer) Rotate(accessKey, secret, region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessKey = accessKey
	s.secret = secret
	s.region = region
	s.cachedDate = ""
	s.cachedKey = nil
}

// Sign builds the Authorization header for a request.
//
// datetime must be in the form YYYYMMDDTHHMMSSZ (auth.TimeFormat). query
// must already be canonicalized by the caller (sorted, URI-encoded
// key=value pairs joined with "&"); an empty query string is valid.
func (s *Signer) Sign(method, host, path, query, datetime string, payload []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := datetime[:8]

	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-date:%s\n", host, datetime)
	const signedHeaders = "host;x-amz-date"

	payloadHash := auth.HashSHA256(string(payload))

	canonicalRequest := fmt.Sprintf(
		"%s\n%s\n%s\n%s\n%s\n%s",
		method,
		canonicalURI(path),
		query,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	)

	hashedCanonicalRequest := auth.HashSHA256(canonicalRequest)

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, s.region, s.service)
	stringToSign := fmt.Sprintf(
		"AWS4-HMAC-SHA256\n%s\n%s\n%s",
		datetime,
		scope,
		hashedCanonicalRequest,
	)

	signingKey := s.signingKey(date)
	signature := auth.HmacSHA256Hex(signingKey, stringToSign)

	return fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey,
		scope,
		signedHeaders,
		signature,
	)
}

// signingKey returns the derived key for date, deriving and caching it on
// a miss. Caller must hold s.mu.
func (s *Signer) signingKey(date string) []byte {
	if s.cachedDate == date && s.cachedKey != nil {
		return s.cachedKey
	}
	key := auth.GetSigningKey(s.secret, date, s.region, s.service)
	s.cachedDate = date
	s.cachedKey = key
	return key
}

// Now formats the current instant the way SigV4 datetimes are expected:
// YYYYMMDDTHHMMSSZ.
func Now() string {
	return time.Now().UTC().Format(auth.TimeFormat)
}
