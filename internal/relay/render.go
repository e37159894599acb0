package relay

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/platform"
)

const (
	maxUsernameLength = 80
	replySnippetRunes = 64
	zeroWidthSpace    = "\u200b"
	wordJoiner        = "\u2060"
	imageIcon         = "\U0001F5BC\uFE0F"
	embedColor        = 0x5e92cc
)

var (
	userMention    = regexp.MustCompile(`<@!?(\d{15,21})>`)
	roleMention    = regexp.MustCompile(`<@&(\d{15,21})>`)
	channelMention = regexp.MustCompile(`<#(\d{15,21})>`)
	newlines       = regexp.MustCompile(`\r\n|\n|\r`)
)

// Render turns a chat message into the payload relayed to sibling channels.
func Render(msg *platform.Message) platform.Payload {
	p := platform.Payload{
		Username:  attribution(msg),
		AvatarURL: avatarOf(msg.Author),
	}

	content := ResolveMentions(msg.Content, msg.Mentions)
	if msg.Reference != nil {
		content = quoteReply(content, msg.Reference)
	}
	p.Content = content

	for _, att := range msg.Attachments {
		if att.IsVideo() {
			// Video embeds do not play, so the file goes through as-is.
			p.Attachments = append(p.Attachments, att)
			continue
		}
		p.Embeds = append(p.Embeds, attachmentEmbed(att))
	}
	p.Embeds = append(p.Embeds, lo.Map(msg.Stickers, func(s platform.Sticker, _ int) platform.Embed {
		return platform.Embed{ImageURL: s.URL, FooterText: "Sticker: " + s.Name, Color: embedColor}
	})...)
	return p
}

func attribution(msg *platform.Message) string {
	name := msg.Author.Name()
	if msg.GuildName != "" {
		name = fmt.Sprintf("%s • %s", name, msg.GuildName)
	}
	if r := []rune(name); len(r) > maxUsernameLength {
		name = string(r[:maxUsernameLength])
	}
	return name
}

func avatarOf(u *platform.User) string {
	if u == nil {
		return ""
	}
	return u.AvatarURL
}

// ResolveMentions rewrites raw user, role and channel mentions into inline
// names, so relayed copies never ping anyone on the receiving side.
func ResolveMentions(content string, m platform.Mentions) string {
	if content == "" {
		return content
	}
	content = strings.ReplaceAll(content, "><", ">"+wordJoiner+"<")
	content = roleMention.ReplaceAllStringFunc(content, func(s string) string {
		return inlineName("@", m.Roles, roleMention.FindStringSubmatch(s)[1], "unknown-role")
	})
	content = userMention.ReplaceAllStringFunc(content, func(s string) string {
		return inlineName("@", m.Users, userMention.FindStringSubmatch(s)[1], "unknown-user")
	})
	content = channelMention.ReplaceAllStringFunc(content, func(s string) string {
		return inlineName("#", m.Channels, channelMention.FindStringSubmatch(s)[1], "unknown-channel")
	})
	return content
}

func inlineName(prefix string, names map[string]string, id, fallback string) string {
	if name, ok := names[id]; ok && name != "" {
		return "`" + prefix + name + "`"
	}
	return "`" + prefix + fallback + "`"
}

// quoteReply prefixes content with a one-line quote of the replied message.
func quoteReply(content string, ref *platform.Message) string {
	quoted := ref.Content
	// A relayed reply already carries a quote; keep only its body.
	if ref.WebhookID != "" && strings.HasPrefix(quoted, "Replying to") {
		if i := strings.Index(quoted, zeroWidthSpace); i >= 0 {
			quoted = quoted[i+len(zeroWidthSpace):]
		}
	}
	quoted = ResolveMentions(quoted, ref.Mentions)
	quoted = strings.TrimSpace(newlines.ReplaceAllString(quoted, "  "))
	if r := []rune(quoted); len(r) > replySnippetRunes {
		quoted = string(r[:replySnippetRunes])
	}

	icon := ""
	if len(ref.Embeds) > 0 || len(ref.Attachments) > 0 {
		icon = " " + imageIcon
	}

	author := "unknown-user"
	link := ""
	if ref.Author != nil {
		author = ref.Author.Username
		link = fmt.Sprintf("(<https://discord.com/users/%s>)", ref.Author.ID)
	}
	return fmt.Sprintf("Replying to **`%s`** %s\n> %s%s\n%s\n%s", author, link, quoted, icon, zeroWidthSpace, content)
}

func attachmentEmbed(att platform.Attachment) platform.Embed {
	if att.IsImage() {
		return platform.Embed{ImageURL: att.URL, FooterText: "Image: " + att.Filename, Color: embedColor}
	}
	title := att.Filename
	if title == "" {
		title = "Untitled"
	}
	return platform.Embed{Title: title, URL: att.URL, Description: formatSize(att.Size), Color: embedColor}
}

func formatSize(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
