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

// Package hostsfile mutates the system hosts file. It only ever touches
// lines carrying the [Marker] comment, so user and system entries survive
// any sequence of operations byte for byte. Writers serialize on a lockfile
// next to the hosts file and replace the file atomically, so a crash cannot
// leave a half-written hosts file behind.
package hostsfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Marker tags every line this system writes. Lines without it are never
// modified or removed.
const Marker = "# AnyRouter"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Binding is one managed domain→IP entry.
type Binding struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

// Store reads and mutates one hosts file.
type Store struct {
	path     string
	lockPath string
}

// NewStore returns a Store for the hosts file at path.
// Use [DefaultPath] for the platform's system hosts file.
func NewStore(path string) *Store {
	return &Store{path: path, lockPath: path + ".anyrouter.lock"}
}

// Path returns the hosts file path this store operates on.
func (s *Store) Path() string { return s.path }

// DefaultPath returns the platform's system hosts file path.
func DefaultPath() string {
	if runtime.GOOS == "windows" {
		windir := os.Getenv("WINDIR")
		if windir == "" {
			windir = `C:\Windows`
		}
		return filepath.Join(windir, "System32", "drivers", "etc", "hosts")
	}
	return "/etc/hosts"
}

// Apply binds domain to ip, replacing any managed entry for the domain.
func (s *Store) Apply(domain, ip string) error {
	_, err := s.ApplyBatch([]Binding{{Domain: domain, IP: ip}})
	return err
}

// ApplyBatch applies all bindings in a single locked rewrite and returns the
// number of bindings written.
func (s *Store) ApplyBatch(bindings []Binding) (int, error) {
	if len(bindings) == 0 {
		return 0, nil
	}
	normalized := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		domain, err := NormalizeDomain(b.Domain)
		if err != nil {
			return 0, err
		}
		if err := ValidateIP(b.IP); err != nil {
			return 0, err
		}
		normalized = append(normalized, Binding{Domain: domain, IP: b.IP})
	}
	// A domain listed twice keeps its last IP only.
	domains := make(map[string]bool, len(normalized))
	deduped := make([]Binding, 0, len(normalized))
	for i := len(normalized) - 1; i >= 0; i-- {
		b := normalized[i]
		if domains[b.Domain] {
			continue
		}
		domains[b.Domain] = true
		deduped = append(deduped, b)
	}
	for i, j := 0, len(deduped)-1; i < j; i, j = i+1, j-1 {
		deduped[i], deduped[j] = deduped[j], deduped[i]
	}
	normalized = deduped
	err := s.mutate(func(doc *document) bool {
		doc.removeManaged(domains)
		for _, b := range normalized {
			doc.appendManaged(b)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return len(normalized), nil
}

// Unbind removes the managed entry for domain. Removing an absent or
// unmanaged domain is a no-op.
func (s *Store) Unbind(domain string) error {
	_, err := s.UnbindBatch([]string{domain})
	return err
}

// UnbindBatch removes the managed entries for all given domains in a single
// locked rewrite and returns the number of lines removed.
func (s *Store) UnbindBatch(domains []string) (int, error) {
	if len(domains) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(domains))
	for _, d := range domains {
		domain, err := NormalizeDomain(d)
		if err != nil {
			return 0, err
		}
		want[domain] = true
	}
	removed := 0
	err := s.mutate(func(doc *document) bool {
		removed = doc.removeManaged(want)
		return removed > 0
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ClearAll removes every managed entry and returns the number removed.
func (s *Store) ClearAll() (int, error) {
	removed := 0
	err := s.mutate(func(doc *document) bool {
		removed = doc.removeManaged(nil)
		return removed > 0
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Read reports the managed IP bound to domain, if any.
func (s *Store) Read(domain string) (string, bool, error) {
	want, err := NormalizeDomain(domain)
	if err != nil {
		return "", false, err
	}
	doc, err := s.load()
	if err != nil {
		return "", false, err
	}
	for _, b := range doc.managed() {
		if strings.EqualFold(b.Domain, want) {
			return b.IP, true, nil
		}
	}
	return "", false, nil
}

// List returns every managed binding in file order.
func (s *Store) List() ([]Binding, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.managed(), nil
}

const (
	lockAttempts = 3
	lockBackoff  = 100 * time.Millisecond
)

// mutate runs fn over the parsed hosts file under the exclusive lock and,
// when fn reports a change, replaces the file atomically.
func (s *Store) mutate(fn func(doc *document) bool) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer lock.release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if !fn(doc) {
		return nil
	}
	return s.replace(doc)
}

type fileLock struct {
	f *os.File
}

func (l *fileLock) release() {
	unlockFile(l.f)
	l.f.Close()
}

// acquireLock takes the exclusive advisory lock on the adjacent lockfile.
// The lockfile, not the hosts file, carries the lock: the hosts file's inode
// changes on every atomic replace, and a lock on a replaced inode would let
// two writers interleave.
func (s *Store) acquireLock() (*fileLock, error) {
	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(lockBackoff * time.Duration(attempt))
		}
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			lastErr = err
			continue
		}
		if err := lockFile(f); err != nil {
			f.Close()
			lastErr = err
			continue
		}
		return &fileLock{f: f}, nil
	}
	return nil, fmt.Errorf("locking %s: %w", s.lockPath, lastErr)
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return parseDocument(data), nil
}

// replace writes doc to a temp file in the hosts directory, syncs it, and
// renames it over the hosts file.
func (s *Store) replace(doc *document) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(s.path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".anyrouter-hosts-*")
	if err != nil {
		return fmt.Errorf("staging hosts rewrite: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(doc.bytes()); err != nil {
		cleanup()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// document is a hosts file split into lines with their own terminators, so
// unrelated lines round-trip byte for byte regardless of CR/LF style.
type document struct {
	bom   bool
	lines []docLine
}

type docLine struct {
	text string // line content without terminator
	eol  string // "", "\n" or "\r\n"
}

func parseDocument(data []byte) *document {
	doc := &document{}
	if bytes.HasPrefix(data, utf8BOM) {
		doc.bom = true
		data = data[len(utf8BOM):]
	}
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			doc.lines = append(doc.lines, docLine{text: string(data)})
			break
		}
		text, eol := data[:i], "\n"
		if len(text) > 0 && text[len(text)-1] == '\r' {
			text = text[:len(text)-1]
			eol = "\r\n"
		}
		doc.lines = append(doc.lines, docLine{text: string(text), eol: eol})
		data = data[i+1:]
	}
	return doc
}

func (d *document) bytes() []byte {
	var buf bytes.Buffer
	if d.bom {
		buf.Write(utf8BOM)
	}
	for _, l := range d.lines {
		buf.WriteString(l.text)
		buf.WriteString(l.eol)
	}
	return buf.Bytes()
}

// dominantEOL picks the terminator style for appended lines.
func (d *document) dominantEOL() string {
	crlf := 0
	lf := 0
	for _, l := range d.lines {
		switch l.eol {
		case "\r\n":
			crlf++
		case "\n":
			lf++
		}
	}
	if crlf > lf {
		return "\r\n"
	}
	return "\n"
}

// parseManagedLine reports the binding on a marker-tagged line.
func parseManagedLine(text string) (Binding, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasSuffix(trimmed, Marker) {
		return Binding{}, false
	}
	head := strings.TrimSpace(strings.TrimSuffix(trimmed, Marker))
	fields := strings.Fields(head)
	if len(fields) < 2 {
		return Binding{}, false
	}
	return Binding{Domain: fields[1], IP: fields[0]}, true
}

func (d *document) managed() []Binding {
	bindings := []Binding{}
	for _, l := range d.lines {
		if b, ok := parseManagedLine(l.text); ok {
			bindings = append(bindings, b)
		}
	}
	return bindings
}

// removeManaged drops managed lines whose domain is in want, or every
// managed line when want is nil, and returns the number removed.
func (d *document) removeManaged(want map[string]bool) int {
	removed := 0
	kept := d.lines[:0]
	for _, l := range d.lines {
		if b, ok := parseManagedLine(l.text); ok {
			if want == nil || want[strings.ToLower(b.Domain)] {
				removed++
				continue
			}
		}
		kept = append(kept, l)
	}
	d.lines = kept
	return removed
}

// appendManaged adds a managed line at the end of the file, matching the
// file's newline style and trailing-newline convention.
func (d *document) appendManaged(b Binding) {
	eol := d.dominantEOL()
	trailing := eol
	if n := len(d.lines); n > 0 {
		if d.lines[n-1].eol == "" {
			// The file did not end with a newline. Terminate the last line so
			// our entry starts on its own line, and keep the convention.
			d.lines[n-1].eol = eol
			trailing = ""
		}
	}
	d.lines = append(d.lines, docLine{
		text: b.IP + "\t" + b.Domain + "\t" + Marker,
		eol:  trailing,
	})
}
