package services

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// QuerySet is the list of test queries run after an ingestion.
type QuerySet struct {
	K       int      `yaml:"k"`
	Queries []string `yaml:"queries"`
}

// DefaultQuerySet holds the platform-economy questions used to check a fresh
// D01 ingestion.
func DefaultQuerySet(k int) QuerySet {
	return QuerySet{
		K: k,
		Queries: []string{
			"What brought about the rise of digital labour platforms?",
			"What are the effects of the rise of the platform economy?",
			"How do platforms affect low-income workers?",
		},
	}
}

// LoadQuerySet reads a YAML query file. An empty path returns the defaults; a
// file without k inherits defaultK.
func LoadQuerySet(path string, defaultK int) (QuerySet, error) {
	if path == "" {
		return DefaultQuerySet(defaultK), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return QuerySet{}, fmt.Errorf("read queries file: %w", err)
	}

	var qs QuerySet
	if err := yaml.Unmarshal(data, &qs); err != nil {
		return QuerySet{}, fmt.Errorf("parse queries file: %w", err)
	}
	if qs.K == 0 {
		qs.K = defaultK
	}
	if qs.K < 0 {
		return QuerySet{}, fmt.Errorf("queries file %s: %w", path, ErrInvalidK)
	}

	kept := qs.Queries[:0]
	for _, q := range qs.Queries {
		if q = strings.TrimSpace(q); q != "" {
			kept = append(kept, q)
		}
	}
	qs.Queries = kept
	if len(qs.Queries) == 0 {
		return QuerySet{}, fmt.Errorf("queries file %s has no queries", path)
	}
	return qs, nil
}
