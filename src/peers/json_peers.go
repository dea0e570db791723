package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const jsonPeersPath = "peers.json"

// JSONPeers is used to provide peer persistence on disk in the form of a JSON
// file containing a list of peer URLs.
type JSONPeers struct {
	l    sync.Mutex
	path string
}

// NewJSONPeers creates a new JSONPeers with reference to a base directory
// where the JSON file resides.
func NewJSONPeers(base string) *JSONPeers {
	return &JSONPeers{
		path: filepath.Join(base, jsonPeersPath),
	}
}

// Path ...
func (j *JSONPeers) Path() string {
	return j.path
}

// Peers parses the underlying JSON file and returns the list of peer URLs.
func (j *JSONPeers) Peers() ([]string, error) {
	j.l.Lock()
	defer j.l.Unlock()

	// Read the file
	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	// Check for no peers
	if len(buf) == 0 {
		return nil, nil
	}

	// Decode the peers
	var peers []string
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&peers); err != nil {
		return nil, err
	}

	return cleansePeers(peers), nil
}

// Write persists a list of peer URLs to the JSON file.
func (j *JSONPeers) Write(peers []string) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cleansePeers(peers)); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0644)
}

// cleansePeers trims the URLs, drops empty entries and duplicates, and sorts
// the result.
func cleansePeers(peers []string) []string {
	seen := make(map[string]bool, len(peers))
	res := []string{}
	for _, p := range peers {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}
