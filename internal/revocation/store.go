// Package revocation tracks the set of revoked certificate hashes. New
// additions accumulate in memory and are flushed to disk once per
// maintenance tick, off the event-loop thread.
package revocation

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// TransportView receives the incremental set of newly revoked hashes so it
// can update whatever in-memory structure the transport consults to reject
// a connection. Implemented by the transport package; kept as an interface
// here so this package has no dependency on it.
type TransportView interface {
	RevokeCertificates(hashes []string)
}

// Store holds the revoked-certificate set plus the pending-write buffer.
// Reads and the pending-buffer append happen on the event-loop thread;
// Flush is expected to run on a worker-pool goroutine.
type Store struct {
	mu      sync.RWMutex
	certs   map[string]bool
	pending []string
}

// New returns an empty revocation store.
func New() *Store {
	return &Store{certs: map[string]bool{}}
}

// IsRevoked reports whether hash has been revoked.
func (s *Store) IsRevoked(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certs[hash]
}

// Add records hash as revoked, buffering it for the next Flush. Returns
// false if hash was already revoked (nothing new to buffer).
func (s *Store) Add(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.certs[hash] {
		return false
	}
	s.certs[hash] = true
	s.pending = append(s.pending, hash)
	return true
}

// ReadFromFile replaces the in-memory set with the contents of filename,
// one hash per line; blank and whitespace-only lines are skipped. This
// mirrors RevocationService::readFromFile, which clears the existing set
// before loading.
func (s *Store) ReadFromFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	certs := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		certs[line] = true
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs = certs
	s.pending = nil
	return nil
}

// HasPending reports whether any additions are waiting to be flushed.
func (s *Store) HasPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// Flush writes the full revoked-certificate set to filename via
// write-tmp-then-rename, and pushes the pending additions to view. Intended
// to run off the event-loop thread via the pipeline's worker pool; callers
// must not invoke Flush concurrently with itself.
func (s *Store) Flush(filename string, view TransportView) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	all := make([]string, 0, len(s.certs))
	for c := range s.certs {
		all = append(all, c)
	}
	sort.Strings(all)
	newlyAdded := append([]string(nil), s.pending...)
	s.pending = nil
	s.mu.Unlock()

	if err := writeAtomic(filename, all); err != nil {
		// Put the additions back so the next tick retries.
		s.mu.Lock()
		s.pending = append(newlyAdded, s.pending...)
		s.mu.Unlock()
		return err
	}

	if view != nil {
		view.RevokeCertificates(newlyAdded)
	}
	return nil
}

func writeAtomic(filename string, hashes []string) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, h := range hashes {
		if _, err := fmt.Fprintln(w, h); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filename)
}
