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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// cloudflarePrefixes classifies resolved addresses. Best-effort: Cloudflare
// publishes wider ranges, but these are the ones relay endpoints actually
// resolve into.
var cloudflarePrefixes = []string{
	"104.16.", "104.17.", "104.18.", "104.19.", "104.20.", "104.21.", "104.22.", "104.23.",
	"104.24.", "104.25.", "104.26.", "104.27.", "172.67.", "162.159.",
}

// IsCloudflareIP reports whether ip falls in a known Cloudflare range.
func IsCloudflareIP(ip string) bool {
	for _, prefix := range cloudflarePrefixes {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return false
}

// defaultEdgeIPs are known-good Cloudflare edge addresses used when no
// remote edge list is configured or the fetch fails.
var defaultEdgeIPs = []string{
	"104.16.0.1",
	"104.17.0.1",
	"104.18.0.1",
	"104.19.0.1",
	"104.20.0.1",
	"104.21.0.1",
	"104.22.0.1",
	"104.23.0.1",
	"172.67.0.1",
	"172.67.100.1",
	"162.159.0.1",
}

const (
	edgeFetchTimeout  = 10 * time.Second
	edgeFetchMaxBytes = 64 << 10
)

// edgeSource provides the Cloudflare edge candidate list, fetching a remote
// list at most once per process when a URL is configured.
type edgeSource struct {
	url    string
	client *http.Client

	once sync.Once
	ips  []string
}

func (e *edgeSource) get(ctx context.Context) []string {
	e.once.Do(func() {
		e.ips = defaultEdgeIPs
		if e.url == "" {
			return
		}
		ips, err := fetchEdgeList(ctx, e.client, e.url)
		if err != nil {
			slog.Warn("edge list fetch failed, using built-in list", "url", e.url, "error", err)
			return
		}
		slog.Info("fetched remote edge list", "url", e.url, "count", len(ips))
		e.ips = ips
	})
	return e.ips
}

// fetchEdgeList downloads and parses an edge-IP list. The format is IPs
// separated by commas or whitespace; `#` starts a comment token. Tokens that
// do not parse as addresses are dropped so junk cannot crowd out real
// candidates under the cap.
func fetchEdgeList(ctx context.Context, client *http.Client, url string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, edgeFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, edgeFetchMaxBytes))
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, token := range strings.FieldsFunc(string(body), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}) {
		if strings.HasPrefix(token, "#") {
			continue
		}
		if _, err := netip.ParseAddr(token); err != nil {
			continue
		}
		ips = append(ips, token)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses in response")
	}
	return ips, nil
}

// candidates expands the IPs to probe for a domain. Priority: a non-empty
// user list is the entire set; a Cloudflare domain merges edge candidates
// with the resolved set; anything else merges the resolved set with
// multi-resolver discoveries. Always deduped and capped.
func (p *Prober) candidates(ctx context.Context, domain string, resolved []string, isCDN bool) []string {
	if len(p.customIPs) > 0 {
		return mergeIPs(p.customIPs, nil, p.maxCandidates)
	}
	if isCDN {
		return mergeIPs(p.edges.get(ctx), resolved, p.maxCandidates)
	}
	return mergeIPs(resolved, p.discover(ctx, domain), p.maxCandidates)
}

// mergeIPs concatenates first and second in stable order, dropping
// duplicates and stopping at limit.
func mergeIPs(first, second []string, limit int) []string {
	seen := make(map[string]bool, limit)
	merged := make([]string, 0, limit)
	for _, ip := range first {
		if !seen[ip] {
			seen[ip] = true
			merged = append(merged, ip)
			if len(merged) >= limit {
				return merged
			}
		}
	}
	for _, ip := range second {
		if !seen[ip] {
			seen[ip] = true
			merged = append(merged, ip)
			if len(merged) >= limit {
				return merged
			}
		}
	}
	return merged
}
