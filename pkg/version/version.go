// Package version provides the client version and its User-Agent form.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Current is the version of this library.
const Current = "0.4"

// Product is the User-Agent product token.
const Product = "subplex-go"

// Version is a parsed "major.minor" version.
type Version struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || parts[1] == "" {
		return Version{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return Version{Major: uint16(major), Minor: uint16(minor)}, nil
}

// String returns the version as "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
// Before 1.0 the minor version must match as well.
func (v Version) Compatible(other Version) bool {
	if v.Major == 0 || other.Major == 0 {
		return v == other
	}
	return v.Major == other.Major
}

// UserAgent returns the User-Agent sent with the WebSocket handshake.
func UserAgent() string {
	return Product + "/" + Current
}

// FromUserAgent extracts the version from a User-Agent produced by
// UserAgent. Extra product tokens after the first are ignored.
func FromUserAgent(ua string) (Version, error) {
	first, _, _ := strings.Cut(ua, " ")
	suffix, ok := strings.CutPrefix(first, Product+"/")
	if !ok {
		return Version{}, fmt.Errorf("not a %s user agent: %q", Product, ua)
	}
	return Parse(suffix)
}
