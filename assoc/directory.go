package assoc

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// AEEntry names one remote Application Entity and where to reach it.
type AEEntry struct {
	AETitle string `yaml:"ae_title"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AEDirectory maps AE titles to network addresses. The Move engine
// consults it when a handler names a destination AE without an address.
type AEDirectory struct {
	mu      sync.RWMutex
	entries map[string]AEEntry
}

// NewAEDirectory returns an empty directory.
func NewAEDirectory() *AEDirectory {
	return &AEDirectory{entries: make(map[string]AEEntry)}
}

// LoadAEDirectory reads a YAML file containing a list of AE entries.
func LoadAEDirectory(path string) (*AEDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAEDirectory(raw)
}

// ParseAEDirectory builds a directory from YAML bytes of the form:
//
//	- ae_title: STORE_SCP
//	  address: 10.0.0.5
//	  port: 11112
func ParseAEDirectory(raw []byte) (*AEDirectory, error) {
	var entries []AEEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	d := NewAEDirectory()
	for _, e := range entries {
		d.Add(e)
	}
	return d, nil
}

// Add inserts or replaces the entry for its AE title.
func (d *AEDirectory) Add(e AEEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[e.AETitle] = e
}

// Lookup resolves an AE title.
func (d *AEDirectory) Lookup(aeTitle string) (AEEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[aeTitle]
	return e, ok
}
