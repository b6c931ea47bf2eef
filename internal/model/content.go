package model

import (
	"regexp"
	"strings"
)

var (
	linkRegexp  = regexp.MustCompile(`(?i)\bhttps?://[^\s]+`)
	imageRegexp = regexp.MustCompile(`(?i)^https?://\S+\.(png|jpe?g|gif|webp)(\?\S*)?$`)
)

// DetectType classifies outgoing content. A lone image URL is an image,
// any other content containing a URL is a link.
func DetectType(content string) MessageType {
	c := strings.TrimSpace(content)
	switch {
	case imageRegexp.MatchString(c):
		return TypeImage
	case linkRegexp.MatchString(c):
		return TypeLink
	default:
		return TypeText
	}
}

// FirstLink returns the first URL in content, used for link previews.
func FirstLink(content string) string {
	return linkRegexp.FindString(content)
}

// ValidateContent rejects empty or whitespace-only message bodies.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	return nil
}
