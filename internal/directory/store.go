// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package directory implements the Service Directory (spec.md sec 4.8):
// the authoritative registry of (domain -> {data-product-id -> [url]},
// {service-id -> url}), its change-notification side channels, and the
// cross-domain anti-entropy Synchronizer (spec.md sec 4.9). The store in
// this file is deliberately lock-free: spec.md sec 5 is explicit that "all
// requests come in via a single thread, so no explicit synchronization is
// required" — every mutation below must only ever be called from the
// Server's event loop goroutine.
package directory

import (
	"github.com/bill-wright/gravity/internal/wire"
)

// store is the directory's in-memory state: one entry per (domain, kind,
// id), plus the urlToComponent side index spec.md sec 3 requires ("every
// URL appearing in any entry appears in urlToComponent with the component
// that registered it").
type store struct {
	data           map[string]map[string][]string // domain -> productID -> urls
	services       map[string]map[string]string   // domain -> serviceID -> url
	componentOf    map[string]map[string]string   // domain -> serviceID -> componentID (for snapshots)
	dataComponent  map[string]map[string]string   // domain -> productID -> last-registering componentID (DATA can have many URLs/components; snapshots do not carry it)
	urlToComponent map[string]string
}

func newStore() *store {
	return &store{
		data:           make(map[string]map[string][]string),
		services:       make(map[string]map[string]string),
		componentOf:    make(map[string]map[string]string),
		dataComponent:  make(map[string]map[string]string),
		urlToComponent: make(map[string]string),
	}
}

// registerResult reports what a registration mutation did, so the Server
// can decide which notifications to emit.
type registerResult struct {
	duplicate bool     // URL was already present (DATA) or id already existed with the same URL (SERVICE)
	purgedIDs []string // other DATA ids in the same domain that lost this URL (spec.md sec 4.8 side effect 2)
}

// registerData inserts url into (domain, id)'s list. A duplicate URL
// reports SUCCESS without appending (spec.md sec 4.8, sec 9 Open
// Question 1 resolved: duplicate registration is idempotent SUCCESS).
func (s *store) registerData(domain, id, url, componentID string) registerResult {
	if s.data[domain] == nil {
		s.data[domain] = make(map[string][]string)
	}
	if s.dataComponent[domain] == nil {
		s.dataComponent[domain] = make(map[string]string)
	}

	urls := s.data[domain][id]
	for _, u := range urls {
		if u == url {
			s.urlToComponent[url] = componentID
			return registerResult{duplicate: true}
		}
	}

	s.data[domain][id] = append(urls, url)
	s.dataComponent[domain][id] = componentID
	s.urlToComponent[url] = componentID

	return registerResult{purgedIDs: s.purgeObsolete(domain, id, url)}
}

// purgeObsolete removes url from every other DATA id in domain (spec.md
// sec 4.8 side effect 2: "it cannot be two things at once").
func (s *store) purgeObsolete(domain, exceptID, url string) []string {
	var purged []string
	for otherID, urls := range s.data[domain] {
		if otherID == exceptID {
			continue
		}
		idx := -1
		for i, u := range urls {
			if u == url {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		remaining := append(urls[:idx], urls[idx+1:]...)
		if len(remaining) == 0 {
			delete(s.data[domain], otherID)
		} else {
			s.data[domain][otherID] = remaining
		}
		purged = append(purged, otherID)
	}
	return purged
}

// registerService inserts or overwrites (domain, id)'s single URL.
// Overwriting an existing SERVICE registration is allowed (spec.md sec
// 4.8: "for SERVICE, overwrite and log a warning").
func (s *store) registerService(domain, id, url, componentID string) registerResult {
	if s.services[domain] == nil {
		s.services[domain] = make(map[string]string)
	}
	if s.componentOf[domain] == nil {
		s.componentOf[domain] = make(map[string]string)
	}

	existing, had := s.services[domain][id]
	s.services[domain][id] = url
	s.componentOf[domain][id] = componentID
	s.urlToComponent[url] = componentID

	return registerResult{duplicate: had && existing == url}
}

// unregisterData removes url from (domain, id)'s list. Returns false if
// url was never present (spec.md sec 4.8: NOT_REGISTERED).
func (s *store) unregisterData(domain, id, url string) (found, emptied bool) {
	urls := s.data[domain][id]
	idx := -1
	for i, u := range urls {
		if u == url {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false
	}

	remaining := append(urls[:idx], urls[idx+1:]...)
	if len(remaining) == 0 {
		delete(s.data[domain], id)
		emptied = true
	} else {
		s.data[domain][id] = remaining
	}
	delete(s.urlToComponent, url)
	return true, emptied
}

// unregisterService removes (domain, id) if its URL matches.
func (s *store) unregisterService(domain, id, url string) bool {
	existing, ok := s.services[domain][id]
	if !ok || existing != url {
		return false
	}
	delete(s.services[domain], id)
	delete(s.urlToComponent, url)
	return true
}

// lookupData returns the URL list for (domain, id); nil if absent.
func (s *store) lookupData(domain, id string) []string {
	return append([]string(nil), s.data[domain][id]...)
}

// lookupService returns the single URL for (domain, id).
func (s *store) lookupService(domain, id string) (string, bool) {
	url, ok := s.services[domain][id]
	return url, ok
}

// removeDomain purges every entry tagged with domain (spec.md sec 4.9:
// "Removal purges all entries tagged with that peer domain").
func (s *store) removeDomain(domain string) {
	for _, urls := range s.data[domain] {
		for _, u := range urls {
			delete(s.urlToComponent, u)
		}
	}
	for _, u := range s.services[domain] {
		delete(s.urlToComponent, u)
	}
	delete(s.data, domain)
	delete(s.services, domain)
	delete(s.componentOf, domain)
	delete(s.dataComponent, domain)
}

// mergeData folds a peer domain's (id -> urls) observation into domain's
// map without touching urlToComponent for our own domain (spec.md sec 4.9:
// "Never writes peer entries into its own domain's map" — callers must
// pass the peer's domain key, never the local one).
func (s *store) mergeData(domain, id string, urls []string, componentID string) {
	if s.data[domain] == nil {
		s.data[domain] = make(map[string][]string)
	}
	if s.dataComponent[domain] == nil {
		s.dataComponent[domain] = make(map[string]string)
	}
	s.data[domain][id] = append([]string(nil), urls...)
	s.dataComponent[domain][id] = componentID
	for _, u := range urls {
		s.urlToComponent[u] = componentID
	}
}

// snapshot returns a full ServiceDirectoryMap for domain (spec.md sec
// 4.8 side effect 3).
func (s *store) snapshot(domain string) wire.ServiceDirectoryMap {
	m := wire.ServiceDirectoryMap{Domain: domain}

	for id, url := range s.services[domain] {
		m.ServiceProvider = append(m.ServiceProvider, wire.ServiceEntry{
			ID: id, URL: url, ComponentID: s.componentOf[domain][id],
		})
	}
	for id, urls := range s.data[domain] {
		m.DataProvider = append(m.DataProvider, wire.DataEntry{
			ID: id, URL: append([]string(nil), urls...),
		})
	}
	return m
}

// componentFor returns the component id owning url, per the
// urlToComponent side index invariant (spec.md sec 3/sec 8).
func (s *store) componentFor(url string) (string, bool) {
	c, ok := s.urlToComponent[url]
	return c, ok
}
