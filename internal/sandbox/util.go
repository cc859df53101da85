package sandbox

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

type utilCap struct {
	now func() time.Time
}

// NewID returns a random UUID.
func (u *utilCap) NewID() string { return uuid.NewString() }

// Now returns the current time in UTC.
func (u *utilCap) Now() time.Time { return u.now().UTC() }

// MarkdownToHTML renders markdown to sanitized HTML.
func (u *utilCap) MarkdownToHTML(src string) string { return renderMarkdown(src) }

// HTMLToText reduces HTML to plain text.
func (u *utilCap) HTMLToText(src string) string { return htmlToText(src) }

// Hash returns the hex BLAKE3 digest of data.
func (u *utilCap) Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
