package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// ParseDictionary reads preload pairs from JSON. Accepted shapes:
//
//	[["Hello", "你好"], ...]
//	[{"en": "Hello", "zh": "你好"}, ...]
//	{"Hello": "你好", ...}
//
// Elements of the wrong shape are skipped.
func ParseDictionary(data []byte) ([]Pair, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse dictionary: %w", err)
		}
		sources := make([]string, 0, len(m))
		for k := range m {
			sources = append(sources, k)
		}
		sort.Strings(sources)
		pairs := make([]Pair, 0, len(m))
		for _, k := range sources {
			pairs = append(pairs, Pair{Source: k, Translation: m[k]})
		}
		return pairs, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}

	pairs := make([]Pair, 0, len(items))
	for _, item := range items {
		var tuple []string
		if err := json.Unmarshal(item, &tuple); err == nil {
			if len(tuple) >= 2 {
				pairs = append(pairs, Pair{Source: tuple[0], Translation: tuple[1]})
			}
			continue
		}
		var obj struct {
			En string `json:"en"`
			Zh string `json:"zh"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.En != "" {
			pairs = append(pairs, Pair{Source: obj.En, Translation: obj.Zh})
		}
	}
	return pairs, nil
}

// LoadDictionary reads and parses a dictionary file
func LoadDictionary(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	return ParseDictionary(data)
}
