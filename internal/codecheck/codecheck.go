// Package codecheck screens generated diagram scripts before they reach a sandbox.
//
// The checks are plain substring matching and intentionally conservative:
// a rejected harmless script is acceptable, an accepted harmful one is not.
// Passing the check is never a substitute for process isolation.
package codecheck

import (
	"fmt"
	"strings"
)

// DefaultMaxLength is the maximum accepted script length in characters.
const DefaultMaxLength = 5000

// Reason identifies why a script was rejected.
type Reason string

const (
	ReasonOversize      Reason = "oversize"
	ReasonForbidden     Reason = "forbidden-construct"
	ReasonMissingImport Reason = "missing-required-import"
)

// DefaultDenylist lists constructs that give a script direct access to the
// OS, processes, files, reflection or dynamic evaluation. Matched case-insensitively.
var DefaultDenylist = []string{
	"import os",
	"import sys",
	"import subprocess",
	"import shutil",
	"import glob",
	"from os",
	"from sys",
	"from subprocess",
	"from shutil",
	"from glob",
	"__import__",
	"eval(",
	"exec(",
	"open(",
	"file(",
	"input(",
	"raw_input(",
	"compile(",
	"reload(",
	"vars(",
	"dir(",
	"getattr(",
	"setattr(",
	"delattr(",
	"hasattr(",
}

// DefaultRequiredImports are the markers of the diagramming namespace.
// A script must contain at least one of them.
var DefaultRequiredImports = []string{
	"from diagrams",
	"import diagrams",
}

// Verdict is the outcome of a single validation.
type Verdict struct {
	OK     bool
	Reason Reason
	// Detail is a human-readable explanation, e.g. the matched construct.
	Detail string
}

// String renders the verdict as error text suitable for a repair prompt.
func (v Verdict) String() string {
	if v.OK {
		return "ok"
	}
	if v.Detail == "" {
		return string(v.Reason)
	}
	return fmt.Sprintf("%s: %s", v.Reason, v.Detail)
}

// Config configures a Validator. Zero values select the defaults.
type Config struct {
	MaxLength       int
	Denylist        []string
	ExtraDenylist   []string
	RequiredImports []string
}

// Validator performs static screening of script text. Safe for concurrent use.
type Validator struct {
	maxLength int
	denylist  []string // lowercased
	required  []string
}

// New creates a Validator from cfg.
func New(cfg Config) *Validator {
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	base := cfg.Denylist
	if len(base) == 0 {
		base = DefaultDenylist
	}
	deny := make([]string, 0, len(base)+len(cfg.ExtraDenylist))
	for _, p := range append(append([]string{}, base...), cfg.ExtraDenylist...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			deny = append(deny, p)
		}
	}

	required := cfg.RequiredImports
	if len(required) == 0 {
		required = DefaultRequiredImports
	}

	return &Validator{
		maxLength: maxLength,
		denylist:  deny,
		required:  required,
	}
}

// MaxLength returns the configured maximum script length.
func (v *Validator) MaxLength() int { return v.maxLength }

// Validate checks code in order: length, denylist, required import.
// The first failing check determines the verdict.
func (v *Validator) Validate(code string) Verdict {
	if n := len([]rune(code)); n > v.maxLength {
		return Verdict{
			Reason: ReasonOversize,
			Detail: fmt.Sprintf("script is %d characters, limit is %d", n, v.maxLength),
		}
	}

	lower := strings.ToLower(code)
	for _, pattern := range v.denylist {
		if strings.Contains(lower, pattern) {
			return Verdict{
				Reason: ReasonForbidden,
				Detail: fmt.Sprintf("script contains forbidden construct %q", pattern),
			}
		}
	}

	for _, marker := range v.required {
		if strings.Contains(code, marker) {
			return Verdict{OK: true}
		}
	}
	return Verdict{
		Reason: ReasonMissingImport,
		Detail: fmt.Sprintf("script must import the diagrams package (%s)", strings.Join(v.required, " or ")),
	}
}
