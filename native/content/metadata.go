package content

import (
	"encoding/json"
	"sort"
	"strings"
)

const metadataTagLimit = 5

type rawMetadata struct {
	Tags     []string `json:"tags"`
	Language string   `json:"language"`
}

// ParseMetadata leniently parses a comment's json_metadata field (§4.4 item
// 8, §8 round-trip property 7). Malformed JSON is never an error (§7): it
// silently yields an empty Metadata. Tags are trimmed, lowercased,
// deduplicated, and truncated to the first five non-empty entries; language
// is trimmed and lowercased.
func ParseMetadata(jsonMetadata string) Metadata {
	var raw rawMetadata
	if strings.TrimSpace(jsonMetadata) != "" {
		_ = json.Unmarshal([]byte(jsonMetadata), &raw) // malformed JSON -> raw stays zero-valued
	}

	seen := make(map[string]bool, metadataTagLimit)
	tags := make([]string, 0, metadataTagLimit)
	for _, tag := range raw.Tags {
		if len(tags) >= metadataTagLimit {
			break
		}
		value := strings.ToLower(strings.TrimSpace(tag))
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		tags = append(tags, value)
	}
	sort.Strings(tags)

	return Metadata{
		Tags:     tags,
		Language: strings.ToLower(strings.TrimSpace(raw.Language)),
	}
}
