package platform

import (
	"strings"
)

// MessageType distinguishes user messages from system notices.
type MessageType int

const (
	MessageDefault MessageType = iota
	MessageReply
	MessageSystem
)

// User is a message author.
type User struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
	Bot         bool
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u == nil {
		return "unknown-user"
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID          string
	URL         string
	Filename    string
	ContentType string
	Size        int
}

func (a Attachment) IsImage() bool { return strings.HasPrefix(a.ContentType, "image/") }

func (a Attachment) IsVideo() bool { return strings.HasPrefix(a.ContentType, "video/") }

// Sticker is a sticker sent with a message.
type Sticker struct {
	ID   string
	Name string
	URL  string
}

// Mentions maps ids mentioned in the content to display names. Missing
// entries render as unknown.
type Mentions struct {
	Users    map[string]string
	Channels map[string]string
	Roles    map[string]string
}

// Message is an inbound chat message or a relayed copy.
type Message struct {
	ID          string
	ChannelID   string
	GuildID     string
	GuildName   string
	ChannelType ChannelType
	Type        MessageType
	Author      *User
	WebhookID   string
	Content     string
	Attachments []Attachment
	Embeds      []Embed
	Stickers    []Sticker
	Mentions    Mentions
	// Reference is the message this one replies to, when known.
	Reference *Message
}

// Embed is a rich card attached to a message.
type Embed struct {
	Title        string
	Description  string
	URL          string
	ImageURL     string
	ThumbnailURL string
	FooterText   string
	Color        int
}

// File is an inline file uploaded with a payload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Payload is what gets posted through a webhook.
type Payload struct {
	Content   string
	Username  string
	AvatarURL string
	Embeds    []Embed
	Files     []File
	// Attachments are remote files forwarded as-is.
	Attachments []Attachment
}

// Merge returns p with every non-zero field of override applied on top.
func (p Payload) Merge(override *Payload) Payload {
	if override == nil {
		return p
	}
	if override.Content != "" {
		p.Content = override.Content
	}
	if override.Username != "" {
		p.Username = override.Username
	}
	if override.AvatarURL != "" {
		p.AvatarURL = override.AvatarURL
	}
	if override.Embeds != nil {
		p.Embeds = override.Embeds
	}
	if override.Files != nil {
		p.Files = override.Files
	}
	if override.Attachments != nil {
		p.Attachments = override.Attachments
	}
	return p
}
