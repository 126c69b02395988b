// Package intake turns raw pasted or imported text into validated, deduplicated
// URL entries. Malformed lines are flagged rather than dropped so callers can
// surface them.
package intake

import (
	"bufio"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Entry is one parsed line of a batch.
type Entry struct {
	RawURL        string
	NormalizedURL string
	Valid         bool
	// DuplicateOfID is the id of the earlier queue item (or the batch-local
	// marker) this entry duplicates. Empty when the entry is first of its kind.
	DuplicateOfID string
	Reason        string // set when Valid is false
}

// trackingQueryKeys are query parameters that never change the fetched
// content and would defeat duplicate detection.
var trackingQueryKeys = map[string]bool{
	"feature":     true,
	"si":          true,
	"spm":         true,
	"source":      true,
	"fbclid":      true,
	"gclid":       true,
	"igshid":      true,
	"ref":         true,
	"ref_src":     true,
	"tracking_id": true,
	"trk":         true,
}

// CoerceHTTPURL upgrades scheme-less input ("example.com/v/1" or
// "//example.com/v/1") to https when the host part looks plausible. Input
// that already carries a scheme is returned unchanged.
func CoerceHTTPURL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	parsed, err := url.Parse(value)
	if err == nil && parsed.Scheme != "" {
		return value
	}

	candidate := "https://" + value
	if strings.HasPrefix(value, "//") {
		candidate = "https:" + value
	}
	reparsed, err := url.Parse(candidate)
	if err != nil {
		return value
	}
	host := reparsed.Host
	if host == "" || strings.Contains(host, " ") || !strings.Contains(host, ".") {
		return value
	}
	return candidate
}

// ValidateURL reports whether raw is a syntactically well-formed http(s) URL.
// Filesystem and local-network schemes are rejected by the allow-list.
func ValidateURL(raw string) bool {
	value := CoerceHTTPURL(raw)
	if value == "" {
		return false
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// Normalize canonicalizes a URL for duplicate detection: scheme and host
// lowercased, trailing slash trimmed, tracking query noise stripped, remaining
// query pairs sorted. Invalid input is returned as-is.
func Normalize(raw string) string {
	value := CoerceHTTPURL(raw)
	if value == "" {
		return ""
	}
	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return value
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	path := parsed.Path
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	kept := url.Values{}
	for key, vals := range parsed.Query() {
		lowered := strings.ToLower(strings.TrimSpace(key))
		if strings.HasPrefix(lowered, "utm_") || trackingQueryKeys[lowered] {
			continue
		}
		for _, v := range vals {
			kept.Add(key, v)
		}
	}
	query := ""
	if len(kept) > 0 {
		// url.Values.Encode sorts by key; sort values too for stability.
		for key := range kept {
			sort.Strings(kept[key])
		}
		query = kept.Encode()
	}

	rebuilt := url.URL{Scheme: scheme, Host: host, Path: path, RawQuery: query}
	return rebuilt.String()
}

// ExistingIndex answers whether a normalized URL is already present in the
// live queue, returning the owning item id. The intake never mutates it.
type ExistingIndex interface {
	LookupNormalized(normalized string) (id string, ok bool)
}

// ParseBatch splits raw multi-line text into entries, validating each line and
// flagging duplicates against both the batch itself and the live queue.
// First occurrence wins; later ones carry a back-reference. maxLines <= 0
// means unlimited.
func ParseBatch(text string, maxLines int, existing ExistingIndex) []Entry {
	var entries []Entry
	seen := map[string]int{} // normalized -> index of first occurrence in entries

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if maxLines > 0 && len(entries) >= maxLines {
			break
		}

		entry := Entry{RawURL: line}
		if !ValidateURL(line) {
			entry.Reason = "invalid URL"
			entries = append(entries, entry)
			continue
		}
		entry.Valid = true
		entry.NormalizedURL = Normalize(line)

		if first, dup := seen[entry.NormalizedURL]; dup {
			entry.DuplicateOfID = entries[first].DuplicateOfID
			if entry.DuplicateOfID == "" {
				// Batch-local duplicate; the caller rewrites this marker to
				// the item id it assigns to the first occurrence.
				entry.DuplicateOfID = BatchLocalMarker(first)
			}
			entries = append(entries, entry)
			continue
		}
		if existing != nil {
			if id, ok := existing.LookupNormalized(entry.NormalizedURL); ok {
				entry.DuplicateOfID = id
				entries = append(entries, entry)
				continue
			}
		}
		seen[entry.NormalizedURL] = len(entries)
		entries = append(entries, entry)
	}

	return entries
}

// BatchLocalMarker encodes a duplicate back-reference to an entry of the same
// batch by its index, used before item ids exist.
func BatchLocalMarker(index int) string {
	return "batch:" + strconv.Itoa(index)
}

// BatchLocalIndex decodes a marker produced by BatchLocalMarker, returning -1
// for anything else.
func BatchLocalIndex(marker string) int {
	const prefix = "batch:"
	if !strings.HasPrefix(marker, prefix) {
		return -1
	}
	n, err := strconv.Atoi(marker[len(prefix):])
	if err != nil || n < 0 {
		return -1
	}
	return n
}
