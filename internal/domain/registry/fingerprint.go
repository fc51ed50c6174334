package registry

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode"
)

// NormalizeTitle lowercases a display title with the source locale's
// casing rules, so dotted and dotless I fold the way the registry
// publishes them.
func NormalizeTitle(title string) string {
	return strings.ToLowerSpecial(unicode.TurkishCase, title)
}

// timestampLayout matches the text form Postgres produces for a
// timestamp-without-time-zone cast. The diff SQL and this reference
// implementation must digest identical bytes.
const timestampLayout = "2006-01-02 15:04:05"

// AliasSignature canonicalizes an alias set into the string digested by the
// content fingerprint: duplicates removed, sorted by (name, class), joined
// as "name:class" with commas. Source ordering never affects the result.
func AliasSignature(aliases []Alias) string {
	if len(aliases) == 0 {
		return ""
	}

	type key struct{ name, class string }
	seen := make(map[key]struct{}, len(aliases))
	keys := make([]key, 0, len(aliases))
	for _, a := range aliases {
		k := key{a.Name, a.Class}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	// Two-key sort, matching ORDER BY (name, class) in the diff SQL.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].class < keys[j].class
	})

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.name + ":" + k.class
	}
	return strings.Join(parts, ",")
}

// Fingerprint computes the deterministic content digest for one aggregated
// entity. Two entities are unchanged iff their fingerprints are equal.
func Fingerprint(identifier, titleLower string, accountType, subjectType *string, firstRegisteredAt time.Time, aliases []Alias) string {
	var b strings.Builder
	b.WriteString(identifier)
	b.WriteString(titleLower)
	if accountType != nil {
		b.WriteString(*accountType)
	}
	if subjectType != nil {
		b.WriteString(*subjectType)
	}
	b.WriteString(firstRegisteredAt.Format(timestampLayout))
	b.WriteString(AliasSignature(aliases))

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
