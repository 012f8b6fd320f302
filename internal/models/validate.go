package models

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/coreweave-labs/inferunner/internal/errs"
	"github.com/coreweave-labs/inferunner/internal/types"
)

const maxModelIDLength = 256

// modelIDPattern matches spec.md §3's ModelDescriptor.id charset: letters,
// digits, dot, underscore, slash, and dash. The slash is intentional — it
// lets hub-style namespaced ids (e.g. "meta-llama/Llama-3-8B-Instruct")
// through; traversal is rejected separately via containsTraversal.
var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// ValidateDescriptor enforces spec.md §4.5's security-critical input
// checks: a non-empty, length-bounded, charset-restricted id with no
// traversal sequences (raw or URL-encoded), and, when LocalPath is set,
// containment inside one of trustedDirs (or plain existence, when no
// trusted directories are configured).
func ValidateDescriptor(desc types.ModelDescriptor, trustedDirs []string, exists func(path string) bool) error {
	if desc.ID == "" {
		return errs.New(errs.KindInvalidParams, "model id must not be empty")
	}
	if len(desc.ID) > maxModelIDLength {
		return errs.New(errs.KindInvalidParams, "model id exceeds maximum length")
	}
	if !modelIDPattern.MatchString(desc.ID) {
		return errs.New(errs.KindInvalidParams, "model id contains invalid characters")
	}
	if decoded, err := url.QueryUnescape(desc.ID); err == nil {
		if containsTraversal(decoded) || containsTraversal(desc.ID) {
			return errs.New(errs.KindInvalidParams, "model id must not contain traversal sequences")
		}
	} else if containsTraversal(desc.ID) {
		return errs.New(errs.KindInvalidParams, "model id must not contain traversal sequences")
	}

	if desc.LocalPath == "" {
		return nil
	}
	abs, err := filepath.Abs(desc.LocalPath)
	if err != nil {
		return errs.Wrap(errs.KindInvalidParams, "could not resolve local path", err)
	}
	if len(trustedDirs) == 0 {
		if exists != nil && !exists(abs) {
			return errs.New(errs.KindInvalidParams, "local path does not exist")
		}
		return nil
	}
	for _, dir := range trustedDirs {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if isWithin(absDir, abs) {
			return nil
		}
	}
	return errs.New(errs.KindInvalidParams, "local path is outside trusted model directories")
}

func containsTraversal(s string) bool {
	return strings.Contains(s, "..")
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
