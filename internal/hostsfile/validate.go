// Copyright 2025 The AnyRouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostsfile

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

var (
	// ErrInvalidIP is returned when a candidate IP does not parse.
	ErrInvalidIP = errors.New("invalid IP address")
	// ErrInvalidDomain is returned when a domain cannot safely be written
	// to the hosts file.
	ErrInvalidDomain = errors.New("invalid domain")
)

const maxDomainLen = 253

// ValidateIP rejects anything that is not a literal IPv4 or IPv6 address.
func ValidateIP(ip string) error {
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return nil
}

// NormalizeDomain lowercases and punycodes domain, then rejects anything a
// hosts file line could not safely carry. Whitespace and control characters
// are refused outright: they are how a crafted domain would smuggle extra
// lines into the file.
func NormalizeDomain(domain string) (string, error) {
	if domain == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	for _, r := range domain {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidDomain, domain)
		}
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, domain, err)
	}
	ascii = strings.TrimSuffix(ascii, ".")
	if ascii == "" || len(ascii) > maxDomainLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
		}
	}
	return ascii, nil
}

// ValidateDomain reports whether domain would be accepted by the store.
func ValidateDomain(domain string) error {
	_, err := NormalizeDomain(domain)
	return err
}
