package ratelimit

import (
	"strconv"
	"strings"
)

// DeriveKey builds the counter key for a policy namespace and subject parts.
// Every segment is length-prefixed, so distinct inputs never produce the same key.
func DeriveKey(policyName string, subjectParts ...string) string {
	var b strings.Builder
	size := len(policyName) + 4
	for _, part := range subjectParts {
		size += len(part) + 4
	}
	b.Grow(size)
	writeSegment(&b, policyName)
	for _, part := range subjectParts {
		b.WriteByte('|')
		writeSegment(&b, part)
	}
	return b.String()
}

func writeSegment(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

// storageKey scopes a derived key by algorithm so a policy re-registered with a different
// algorithm never reads state shaped for another one.
func storageKey(p Policy, key string) string {
	return string(p.Algorithm) + ":" + key
}
