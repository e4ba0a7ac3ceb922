// Package vocab implements the phonetic vocabulary-correction feature: a
// post-recognition, pre-delivery text transform that nudges STT output
// toward a known list of domain-specific words (names, product terms) that
// generic acoustic models frequently mis-transcribe.
//
// Correction runs once per result, after the STT batch call returns and
// before the text reaches the delivery reassembler. It never touches
// sequencing or timing, only the Text field of a [types.Result].
package vocab

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sttgateway/gateway/internal/transcript/phonetic"
)

// Corrector rewrites individual words in recognized text toward the closest
// phonetic match in a fixed vocabulary. A nil *Corrector is valid and leaves
// text unchanged — callers need not special-case an empty VOCAB_FILE.
type Corrector struct {
	entities []string
	matcher  *phonetic.Matcher
}

// vocabFile is the on-disk YAML shape pointed to by VOCAB_FILE:
//
//	entities:
//	  - Eldrinax
//	  - Tower of Whispers
type vocabFile struct {
	Entities []string `yaml:"entities"`
}

// Load reads the vocabulary entry list from the YAML file at path. An empty
// path returns (nil, nil): correction is disabled.
func Load(path string) (*Corrector, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var vf vocabFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("vocab: parse %s: %w", path, err)
	}

	var entities []string
	for _, e := range vf.Entities {
		e = strings.TrimSpace(e)
		if e != "" {
			entities = append(entities, e)
		}
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return &Corrector{entities: entities, matcher: phonetic.New()}, nil
}

// Correct rewrites each word of text that phonetically matches a vocabulary
// entry closely enough, leaving everything else untouched. Safe to call on a
// nil *Corrector.
func (c *Corrector) Correct(text string) string {
	if c == nil || strings.TrimSpace(text) == "" {
		return text
	}

	words := strings.Fields(text)
	for i, w := range words {
		trimmed := strings.Trim(w, ".,!?;:")
		if trimmed == "" {
			continue
		}
		corrected, _, matched := c.matcher.Match(trimmed, c.entities)
		if !matched || corrected == trimmed {
			continue
		}
		words[i] = strings.Replace(w, trimmed, corrected, 1)
	}
	return strings.Join(words, " ")
}
