package intel

import (
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type cacheState struct {
	IPs     []string  `json:"malicious_ips"`
	Domains []string  `json:"malicious_domains"`
	Hashes  []string  `json:"malicious_hashes"`
	SavedAt time.Time `json:"timestamp"`
}

// SaveCache writes the blocklist contents to disk. The memoization caches are
// not persisted; they rebuild on demand.
func (s *Service) SaveCache(afs afero.Fs, path string) error {
	state := cacheState{
		IPs:     s.ips.sortedEntries(),
		Domains: s.domains.sortedEntries(),
		Hashes:  s.hashes.sortedEntries(),
		SavedAt: s.clock.Now().UTC(),
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return afero.WriteFile(afs, path, data, 0o644)
}

// LoadCache merges previously saved blocklists into the service
func (s *Service) LoadCache(afs afero.Fs, path string) error {
	data, err := afero.ReadFile(afs, path)
	if err != nil {
		return err
	}

	var state cacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	s.ips.merge(state.IPs)
	s.domains.merge(state.Domains)
	s.hashes.merge(state.Hashes)
	return nil
}

func (st *stripe) sortedEntries() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries := make([]string, 0, len(st.entries))
	for entry := range st.entries {
		entries = append(entries, entry)
	}
	sort.Strings(entries)
	return entries
}

func (st *stripe) merge(entries []string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, entry := range entries {
		st.entries[entry] = struct{}{}
		delete(st.cache, entry)
	}
}
