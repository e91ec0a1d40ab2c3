package signer

import "strings"

// alwaysUnreserved is the RFC 3986 unreserved set SigV4 never encodes.
const alwaysUnreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

const hexDigits = "0123456789ABCDEF"

// uriEncode percent-encodes s, leaving alwaysUnreserved and '/' untouched,
// plus any byte in extraUnreserved left as-is too.
func uriEncode(s, extraUnreserved string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' || strings.IndexByte(alwaysUnreserved, c) >= 0 || strings.IndexByte(extraUnreserved, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// canonicalURI implements the CanonicalRequest path encoding from spec.md
// §4.1: two URI-encoding passes. The first treats "$&,:;=@" as unreserved
// (legacy compatibility with older signing clients); the second encodes
// them like any other reserved character, doubly-encoding anything the
// first pass left alone or percent-escaped. This intentionally diverges
// from predastore/auth.UriEncode's single-pass behavior — predastore signs
// conventional S3/EC2 paths, mqless's Lambda invoke path is required by
// spec to go through this two-pass legacy form instead.
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	pass1 := uriEncode(path, "$&,:;=@")
	pass2 := uriEncode(pass1, "")
	return pass2
}
