// Package autocomplete serves keyword completions from a static dictionary.
package autocomplete

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLanguage = "python"
	MaxSuggestions  = 5
)

//go:embed dictionaries.yaml
var dictionariesYAML []byte

type entry struct {
	Key         string   `yaml:"key"`
	Completions []string `yaml:"completions"`
}

type Service struct {
	dictionaries map[string][]entry
}

// New loads the embedded dictionaries.
func New() (*Service, error) {
	return Parse(dictionariesYAML)
}

// Parse builds a Service from YAML of the form
// language: [{key: ..., completions: [...]}, ...].
func Parse(data []byte) (*Service, error) {
	dictionaries := make(map[string][]entry)
	if err := yaml.Unmarshal(data, &dictionaries); err != nil {
		return nil, fmt.Errorf("parse dictionaries: %w", err)
	}
	if _, ok := dictionaries[DefaultLanguage]; !ok {
		return nil, fmt.Errorf("dictionaries: missing %q", DefaultLanguage)
	}
	return &Service{dictionaries: dictionaries}, nil
}

// Suggest returns up to MaxSuggestions completions whose key starts with
// prefix, ignoring case and surrounding space. Unknown languages fall back to
// python. A blank prefix yields no suggestions.
func (s *Service) Suggest(prefix, language string) []string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	suggestions := make([]string, 0, MaxSuggestions)
	if prefix == "" {
		return suggestions
	}

	dict, ok := s.dictionaries[strings.ToLower(language)]
	if !ok {
		dict = s.dictionaries[DefaultLanguage]
	}

	for _, e := range dict {
		if !strings.HasPrefix(strings.ToLower(e.Key), prefix) {
			continue
		}
		for _, c := range e.Completions {
			suggestions = append(suggestions, c)
			if len(suggestions) == MaxSuggestions {
				return suggestions
			}
		}
	}
	return suggestions
}

func (s *Service) Languages() []string {
	langs := make([]string, 0, len(s.dictionaries))
	for lang := range s.dictionaries {
		langs = append(langs, lang)
	}
	return langs
}
