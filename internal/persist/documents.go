package persist

import (
	"fmt"
	"strings"
)

// Tier names one of the three memory documents.
type Tier string

const (
	Small  Tier = "small"
	Medium Tier = "medium"
	Large  Tier = "large"
)

// Tiers lists every tier in write order.
var Tiers = []Tier{Small, Medium, Large}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown size %q (want small, medium or large)", s)
}

// FileName is the document's file name inside the memory directory.
func (t Tier) FileName() string {
	return string(t) + ".md"
}

// Documents holds the serialized content of each tier: an envelope, or
// plaintext when encryption is off. An empty string means the file is absent.
type Documents struct {
	Small  string
	Medium string
	Large  string
}

// Get returns the content of t.
func (d Documents) Get(t Tier) string {
	switch t {
	case Small:
		return d.Small
	case Medium:
		return d.Medium
	default:
		return d.Large
	}
}

// Set replaces the content of t.
func (d *Documents) Set(t Tier, content string) {
	switch t {
	case Small:
		d.Small = content
	case Medium:
		d.Medium = content
	default:
		d.Large = content
	}
}

// Empty reports whether no tier is present.
func (d Documents) Empty() bool {
	return strings.TrimSpace(d.Small+d.Medium+d.Large) == ""
}

// Complete reports whether every tier is present.
func (d Documents) Complete() bool {
	for _, t := range Tiers {
		if strings.TrimSpace(d.Get(t)) == "" {
			return false
		}
	}
	return true
}
