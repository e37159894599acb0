package relay

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/concord-relay/concord/internal/platform"
)

// Resolution is what to do with a payload whose content is too long.
type Resolution string

const (
	// ResolveFile moves the content into a text attachment.
	ResolveFile Resolution = "file"
	// ResolveTruncate cuts the content down to the limit.
	ResolveTruncate Resolution = "truncate"
	// ResolveAbort drops the relay.
	ResolveAbort Resolution = "abort"
)

// ParseResolution maps a config value to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ResolveFile, ResolveTruncate, ResolveAbort:
		return r, nil
	case "":
		return ResolveFile, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// OverflowRequest describes an over-length payload.
type OverflowRequest struct {
	GroupID  string
	Original *platform.Message
	Payload  *platform.Payload
	Length   int
	Limit    int
}

// OverflowHandler decides how an over-length payload is relayed. It is
// consulted before any target is contacted.
type OverflowHandler interface {
	ResolveOverflow(ctx context.Context, req OverflowRequest) (Resolution, error)
}

// OverflowFunc adapts a function to OverflowHandler.
type OverflowFunc func(ctx context.Context, req OverflowRequest) (Resolution, error)

func (f OverflowFunc) ResolveOverflow(ctx context.Context, req OverflowRequest) (Resolution, error) {
	return f(ctx, req)
}

// StaticOverflow always answers r.
func StaticOverflow(r Resolution) OverflowHandler {
	return OverflowFunc(func(context.Context, OverflowRequest) (Resolution, error) {
		return r, nil
	})
}

const overflowFileName = "message.txt"

// applyResolution rewrites p according to r. It reports false when the
// relay must not go ahead.
func applyResolution(p *platform.Payload, r Resolution, limit int) bool {
	switch r {
	case ResolveFile:
		p.Files = append(p.Files, platform.File{
			Name:        overflowFileName,
			ContentType: "text/plain; charset=utf-8",
			Data:        []byte(p.Content),
		})
		p.Content = ""
		return true
	case ResolveTruncate:
		p.Content = truncate(p.Content, limit)
		return true
	default:
		return false
	}
}

// truncate cuts s to at most limit runes, marking the cut.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	const marker = "..."
	if limit <= len(marker) {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-len(marker)]) + marker
}
