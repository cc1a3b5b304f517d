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

package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"golang.org/x/net/dns/dnsmessage"
)

// publicDNSServers are queried directly, bypassing the OS resolver and the
// hosts file. Order matters: FreshResolve takes the first that answers.
var publicDNSServers = []string{
	"8.8.8.8",        // Google
	"8.8.4.4",        // Google
	"1.1.1.1",        // Cloudflare
	"1.0.0.1",        // Cloudflare
	"9.9.9.9",        // Quad9
	"208.67.222.222", // OpenDNS
	"223.5.5.5",      // AliDNS
	"223.6.6.6",      // AliDNS
}

const (
	resolveTimeout  = 10 * time.Second
	perServerQuery  = 2 * time.Second
	discoverTimeout = 3 * time.Second
)

// Resolve returns the system resolver's addresses for domain, cached. The
// first address is the domain's "original IP" baseline.
func (p *Prober) Resolve(ctx context.Context, domain string) ([]string, error) {
	key := "sys:" + domain
	if ips, ok := p.cache.Lookup(key); ok {
		return ips, nil
	}
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", domain)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", domain, err)
	}
	ips := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.String())
	}
	p.cache.Add(key, ips)
	return ips, nil
}

// FreshResolve queries public resolvers directly, so the answer reflects
// real DNS even while a managed hosts entry overrides the domain locally.
// Servers are tried in order; the first answer wins.
func (p *Prober) FreshResolve(ctx context.Context, domain string) ([]string, error) {
	key := "dns:" + domain
	if ips, ok := p.cache.Lookup(key); ok {
		return ips, nil
	}
	var lastErr error
	for _, server := range publicDNSServers {
		qctx, cancel := context.WithTimeout(ctx, perServerQuery)
		ips, err := queryServer(qctx, server, domain)
		cancel()
		if err == nil {
			p.cache.Add(key, ips)
			return ips, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("resolving %s via public dns: %w", domain, lastErr)
}

// discover queries every public resolver concurrently and returns the union
// of their answers, first-seen order, within a fixed budget. Non-CDN domains
// use it to widen the candidate pool beyond the system resolver's answer.
func (p *Prober) discover(ctx context.Context, domain string) []string {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	results := make(chan []string, len(publicDNSServers))
	for _, server := range publicDNSServers {
		go func(server string) {
			qctx, qcancel := context.WithTimeout(ctx, perServerQuery)
			defer qcancel()
			ips, err := queryServer(qctx, server, domain)
			if err != nil {
				results <- nil
				return
			}
			results <- ips
		}(server)
	}

	seen := make(map[string]bool)
	var all []string
	for range publicDNSServers {
		select {
		case ips := <-results:
			for _, ip := range ips {
				if !seen[ip] {
					seen[ip] = true
					all = append(all, ip)
				}
			}
		case <-ctx.Done():
			return all
		}
	}
	return all
}

// queryServer asks one resolver for domain's A records.
func queryServer(ctx context.Context, server, domain string) ([]string, error) {
	resolver := dns.NewUDPResolver(&transport.UDPDialer{}, net.JoinHostPort(server, "53"))
	q, err := dns.NewQuestion(domain, dnsmessage.TypeA)
	if err != nil {
		return nil, fmt.Errorf("question creation failed: %w", err)
	}
	msg, err := resolver.Query(ctx, *q)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, answer := range msg.Answers {
		switch rr := answer.Body.(type) {
		case *dnsmessage.AResource:
			ips = append(ips, net.IP(rr.A[:]).String())
		case *dnsmessage.AAAAResource:
			ips = append(ips, net.IP(rr.AAAA[:]).String())
		}
	}
	if len(ips) == 0 {
		return nil, errors.New("no address records in answer")
	}
	return ips, nil
}
