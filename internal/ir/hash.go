package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain prefixes for content hashes. The version suffix leaves room for a
// future algorithm change without colliding with old hashes.
const (
	DomainDescriptor = "automata/descriptor/v1"
	DomainState      = "automata/state/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DescriptorHash computes the content hash stored alongside an automata at
// creation. Equal descriptors hash equally regardless of map ordering.
func DescriptorHash(d Descriptor) (string, error) {
	canonical, err := MarshalCanonical(d.toObject())
	if err != nil {
		return "", fmt.Errorf("DescriptorHash: %w", err)
	}
	return hashWithDomain(DomainDescriptor, canonical), nil
}

// StateHash hashes a state value. Used by golden traces to keep large
// states out of fixtures.
func StateHash(v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("StateHash: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// eventIDSeparator never occurs in automata ids (UUIDs) or versions (base-62).
const eventIDSeparator = ":"

// EventID is the identity of the event applied at baseVersion. It is a pure
// function of its inputs, so the same lookup always yields the same id.
func EventID(automataID, baseVersion string) string {
	return automataID + eventIDSeparator + baseVersion
}

// ParseEventID splits an id produced by EventID.
func ParseEventID(id string) (automataID, baseVersion string, err error) {
	i := strings.LastIndex(id, eventIDSeparator)
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed event id %q", id)
	}
	return id[:i], id[i+1:], nil
}
