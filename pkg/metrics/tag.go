package metrics

import "strings"

// Tag constants
const (
	TagEnv     = "env"
	TagService = "service"
	TagEngine  = "engine"
	TagPath    = "path"
)

type Tag struct {
	Name  string
	Value string
}

func NewTag(name, value string) Tag {
	return Tag{
		Name:  name,
		Value: value,
	}
}

// BuildTag builds a tag from the given name and value
func BuildTag(tags ...Tag) []string {
	allTags := make([]string, 0)
	for _, tag := range tags {
		allTags = append(allTags, TagAsString(tag.Name, tag.Value))
	}
	return allTags
}

// normalizeTagValue sanitizes tag values to prevent parsing issues
func normalizeTagValue(value string) string {
	// Replace characters that could be misinterpreted by DogStatsD/Telegraf.
	// Note: "/" is kept as-is to preserve file paths
	problematicChars := []string{":", " ", "\\", ",", "|", "@", "#"}
	normalized := value
	for _, char := range problematicChars {
		normalized = strings.ReplaceAll(normalized, char, "_")
	}
	return normalized
}

func TagAsString(name string, value string) string {
	return name + ":" + normalizeTagValue(value)
}

func UpdateTags(tags *[]string, newTags ...Tag) {
	for _, tag := range newTags {
		*tags = append(*tags, TagAsString(tag.Name, tag.Value))
	}
}
