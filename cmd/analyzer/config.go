package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/darthpelo/photo-open-call-analyzer-sub004/pkg/photocache"
)

// Rubric is the YAML scoring configuration. The prompt sent to the model
// is rendered from it, and its fingerprint is part of every cache key, so
// editing the rubric invalidates previous verdicts.
type Rubric struct {
	Model       string        `yaml:"model"`
	Endpoint    string        `yaml:"endpoint"`
	Preamble    string        `yaml:"preamble"`
	Criteria    []Criterion   `yaml:"criteria"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
}

// Criterion is one weighted judging dimension.
type Criterion struct {
	Name        string  `yaml:"name"`
	Weight      float64 `yaml:"weight"`
	Description string  `yaml:"description,omitempty"`
}

// LoadRubric reads and validates a rubric file.
func LoadRubric(path string) (*Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rubric %s: %w", path, err)
	}
	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rubric %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("invalid rubric %s: %w", path, err)
	}
	return &r, nil
}

// DefaultRubric is used when no rubric file is given.
func DefaultRubric() *Rubric {
	return &Rubric{
		Preamble: "You are judging photographs submitted to an open call. " +
			"Score the image on each criterion from 0 to 10.",
		Criteria: []Criterion{
			{Name: "composition", Weight: 0.3, Description: "framing, balance, use of space"},
			{Name: "light", Weight: 0.25, Description: "quality and intent of the lighting"},
			{Name: "originality", Weight: 0.25, Description: "a perspective not seen a thousand times"},
			{Name: "technique", Weight: 0.2, Description: "focus, exposure, post-processing restraint"},
		},
	}
}

func (r *Rubric) validate() error {
	if len(r.Criteria) == 0 {
		return fmt.Errorf("at least one criterion is required")
	}
	seen := make(map[string]bool, len(r.Criteria))
	for i, c := range r.Criteria {
		if c.Name == "" {
			return fmt.Errorf("criterion %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("criterion %q appears twice", c.Name)
		}
		seen[c.Name] = true
		if c.Weight <= 0 {
			return fmt.Errorf("criterion %q has non-positive weight %v", c.Name, c.Weight)
		}
	}
	return nil
}

// Prompt renders the scoring instructions sent with every image.
func (r *Rubric) Prompt() string {
	var b strings.Builder
	b.WriteString(r.Preamble)
	b.WriteString("\n\nCriteria and weights:\n")
	for _, c := range r.Criteria {
		fmt.Fprintf(&b, "- %s (weight %.2f)", c.Name, c.Weight)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with JSON only, in this exact shape:\n")
	b.WriteString(`{"total_score": <weighted 0-10>, "criteria": {`)
	for i, c := range r.Criteria {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: <0-10>", c.Name)
	}
	b.WriteString(`}, "reasoning": "<one short paragraph>"}`)
	return b.String()
}

// Fingerprint hashes the scoring-relevant parts of the rubric. Endpoint
// and timeout are operational settings and do not change verdicts, so they
// stay out of the hash; the model has its own slot in the cache key.
func (r *Rubric) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.Preamble)
	for _, c := range r.Criteria {
		fmt.Fprintf(&b, "|%s=%v:%s", c.Name, c.Weight, c.Description)
	}
	return photocache.Fingerprint([]byte(b.String()))
}
