// internal/rules/fieldpath.go
package rules

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cadenza-automation/cadenza/internal/types"
)

/*
 * Field path resolution over event fields.
 *
 * Paths are dotted keys with optional array indices and wildcards:
 *
 *   sentiment
 *   author.followers
 *   items[0].price
 *   items[*].price
 *   regions.*.load
 *
 * A leading "$." is accepted and ignored. Wildcards use ANY semantics: the
 * first element (array order, or sorted key order for objects) whose
 * remaining path resolves wins. MaxPathDepth and MaxNestedWildcards are
 * enforced when the path is parsed, so resolution never sees an oversized path.
 */

// PathSegment represents one component of a field path.
type PathSegment struct {
	Key      string // object key (mutually exclusive with Index/Wildcard)
	Index    int    // array index (mutually exclusive with Key/Wildcard)
	IsIndex  bool   // disambiguates Index=0 from unset
	Wildcard bool   // true = wildcard segment
}

// ParsePath splits a field path into segments.
func ParsePath(path string) ([]PathSegment, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$.")
	if path == "" {
		return nil, types.ErrInvalidPath
	}

	var segs []PathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, types.ErrInvalidPath
		}
		key, rest, hasIndex := strings.Cut(part, "[")
		switch {
		case key == "*":
			segs = append(segs, PathSegment{Wildcard: true})
		case key != "":
			segs = append(segs, PathSegment{Key: key})
		case !hasIndex:
			return nil, types.ErrInvalidPath
		}
		for hasIndex {
			var idx string
			var ok bool
			idx, rest, ok = strings.Cut(rest, "]")
			if !ok {
				return nil, types.ErrInvalidPath
			}
			if idx == "*" {
				segs = append(segs, PathSegment{Wildcard: true})
			} else {
				n, err := strconv.Atoi(idx)
				if err != nil || n < 0 {
					return nil, types.ErrInvalidPath
				}
				segs = append(segs, PathSegment{Index: n, IsIndex: true})
			}
			if rest == "" {
				break
			}
			if !strings.HasPrefix(rest, "[") {
				return nil, types.ErrInvalidPath
			}
			rest = rest[1:]
		}
	}

	if len(segs) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}
	wildcards := 0
	for _, seg := range segs {
		if seg.Wildcard {
			wildcards++
		}
	}
	if wildcards > types.MaxNestedWildcards {
		return nil, types.ErrTooManyWildcards
	}
	return segs, nil
}

// Resolve traverses fields following path segments.
// Returns ErrFieldNotFound if the path does not exist.
func Resolve(path []PathSegment, fields map[string]any) (any, error) {
	if len(path) == 0 {
		return nil, types.ErrFieldNotFound
	}
	return resolveRecursive(path, fields)
}

// resolveRecursive traverses nested structures following path segments.
// Returns the first match for wildcards (ANY semantics).
func resolveRecursive(path []PathSegment, current any) (any, error) {
	if len(path) == 0 {
		if current == nil {
			// An explicit null is as good as missing for comparisons.
			return nil, types.ErrFieldNotFound
		}
		return current, nil
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		if seg.Wildcard {
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				if val, err := resolveRecursive(remaining, v[key]); err == nil {
					return val, nil
				}
			}
			return nil, types.ErrFieldNotFound
		}
		if seg.IsIndex {
			return nil, types.ErrFieldNotFound
		}
		val, ok := v[seg.Key]
		if !ok {
			return nil, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val)

	case []any:
		if seg.Wildcard {
			for _, elem := range v {
				if val, err := resolveRecursive(remaining, elem); err == nil {
					return val, nil
				}
			}
			return nil, types.ErrFieldNotFound
		}
		if !seg.IsIndex || seg.Index >= len(v) {
			return nil, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[seg.Index])

	default:
		// Scalar or null value but path continues
		return nil, types.ErrFieldNotFound
	}
}
