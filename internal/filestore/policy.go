// policy.go - Extension and naming policies.
package filestore

import (
	"fmt"
	"strings"
	"time"
)

// ExtensionPolicy selects how upload extensions are checked.
type ExtensionPolicy string

const (
	// ExtensionAllowList accepts only extensions listed in Options.AllowedExtensions.
	ExtensionAllowList ExtensionPolicy = "allowlist"
	// ExtensionAny accepts every extension.
	ExtensionAny ExtensionPolicy = "any"
)

// NamingPolicy selects how a stored name is derived from the sanitized name.
type NamingPolicy string

const (
	// NamingTimestamp prefixes YYYYMMDD_HHMMSS_ and never overwrites.
	NamingTimestamp NamingPolicy = "timestamp"
	// NamingVerbatim keeps the sanitized name; a re-upload replaces the file.
	NamingVerbatim NamingPolicy = "verbatim"
)

const timestampLayout = "20060102_150405_"

// DefaultAllowedExtensions is the allow-list used when none is configured.
var DefaultAllowedExtensions = []string{
	"txt", "pdf", "png", "jpg", "jpeg", "gif",
	"doc", "docx", "xls", "xlsx", "zip", "rar", "7z",
}

// Options configures a Store. Dir is required.
type Options struct {
	Dir               string
	ExtensionPolicy   ExtensionPolicy
	AllowedExtensions []string
	Naming            NamingPolicy

	// Now defaults to time.Now. Used for timestamp prefixes.
	Now func() time.Time
}

func (o *Options) normalise() error {
	if strings.TrimSpace(o.Dir) == "" {
		return fmt.Errorf("filestore: storage directory is required")
	}
	switch o.ExtensionPolicy {
	case "":
		o.ExtensionPolicy = ExtensionAllowList
	case ExtensionAllowList, ExtensionAny:
	default:
		return fmt.Errorf("filestore: unknown extension policy %q", o.ExtensionPolicy)
	}
	switch o.Naming {
	case "":
		o.Naming = NamingTimestamp
	case NamingTimestamp, NamingVerbatim:
	default:
		return fmt.Errorf("filestore: unknown naming policy %q", o.Naming)
	}
	if len(o.AllowedExtensions) == 0 {
		o.AllowedExtensions = DefaultAllowedExtensions
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

func allowSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			set[e] = true
		}
	}
	return set
}
