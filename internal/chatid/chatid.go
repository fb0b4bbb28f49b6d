// Package chatid parses transport chat identifiers and derives the
// numeric identifiers used by the @-mention wire syntax.
//
// A chat identifier has the shape "<local>@<server>", optionally with a
// device suffix on the local part ("15551234567:12@s.whatsapp.net").
// The numeric identifier is the digit-only local part with any leading
// "+" and device suffix removed.
package chatid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for identifiers that lack a server part or
// whose local part is not numeric.
var ErrMalformed = errors.New("malformed chat identifier")

// GroupServer is the server part used by group conversations.
const GroupServer = "g.us"

// ID is a parsed chat identifier.
type ID struct {
	User   string // local part without "+" or device suffix
	Device string // device suffix, empty when absent
	Server string // domain after "@"
}

// String reassembles the identifier without the device suffix.
func (id ID) String() string {
	return id.User + "@" + id.Server
}

// Parse splits raw into its components. It does not require the local
// part to be numeric; use [NumericID] for that.
func Parse(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	at := strings.LastIndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	local, server := raw[:at], raw[at+1:]

	var device string
	if colon := strings.IndexByte(local, ':'); colon >= 0 {
		local, device = local[:colon], local[colon+1:]
	}
	local = strings.TrimPrefix(local, "+")
	if local == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	return ID{User: local, Device: device, Server: server}, nil
}

// NumericID returns the digit-only derivation of raw. Identifiers whose
// local part contains anything other than ASCII digits (after the
// optional "+" and device suffix are removed) are malformed.
func NumericID(raw string) (string, error) {
	id, err := Parse(raw)
	if err != nil {
		return "", err
	}
	if !IsDigits(id.User) {
		return "", fmt.Errorf("%w: non-numeric local part in %q", ErrMalformed, raw)
	}
	return id.User, nil
}

// IsGroup reports whether raw addresses a group conversation.
func IsGroup(raw string) bool {
	id, err := Parse(raw)
	return err == nil && id.Server == GroupServer
}

// IsDigits reports whether s is non-empty and consists only of ASCII
// digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
