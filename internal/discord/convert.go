package discord

import (
	"fmt"
	"regexp"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"

	"github.com/concord-relay/concord/internal/platform"
)

var channelMention = regexp.MustCompile(`<#(\d+)>`)

const stickerURL = "https://media.discordapp.net/stickers/%s.png"

// ConvertMessage builds a platform message from a gateway message. state
// may be nil; lookups that need it are then left empty.
func ConvertMessage(state *discordgo.State, m *discordgo.Message) *platform.Message {
	if m == nil {
		return nil
	}
	msg := &platform.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		Type:        messageType(m.Type),
		WebhookID:   m.WebhookID,
		Content:     m.Content,
		ChannelType: platform.ChannelText,
		Mentions: platform.Mentions{
			Users:    map[string]string{},
			Channels: map[string]string{},
			Roles:    map[string]string{},
		},
	}
	if m.Author != nil {
		msg.Author = convertUser(m.Author, m.Member)
	}
	msg.Attachments = lo.Map(m.Attachments, func(a *discordgo.MessageAttachment, _ int) platform.Attachment {
		return platform.Attachment{ID: a.ID, URL: a.URL, Filename: a.Filename, ContentType: a.ContentType, Size: a.Size}
	})
	msg.Stickers = lo.Map(m.StickerItems, func(s *discordgo.StickerItem, _ int) platform.Sticker {
		return platform.Sticker{ID: s.ID, Name: s.Name, URL: fmt.Sprintf(stickerURL, s.ID)}
	})
	for _, e := range m.Embeds {
		msg.Embeds = append(msg.Embeds, convertEmbed(e))
	}
	for _, u := range m.Mentions {
		msg.Mentions.Users[u.ID] = convertUser(u, nil).Name()
	}
	for _, ch := range m.MentionChannels {
		msg.Mentions.Channels[ch.ID] = ch.Name
	}

	if state != nil {
		if ch, err := state.Channel(m.ChannelID); err == nil {
			msg.ChannelType = channelType(ch.Type)
		}
		if g, err := state.Guild(m.GuildID); err == nil {
			msg.GuildName = g.Name
		}
		for _, roleID := range m.MentionRoles {
			if r, err := state.Role(m.GuildID, roleID); err == nil {
				msg.Mentions.Roles[roleID] = r.Name
			}
		}
		for _, match := range channelMention.FindAllStringSubmatch(m.Content, -1) {
			if _, ok := msg.Mentions.Channels[match[1]]; ok {
				continue
			}
			if ch, err := state.Channel(match[1]); err == nil {
				msg.Mentions.Channels[match[1]] = ch.Name
			}
		}
	}

	if m.ReferencedMessage != nil {
		ref := ConvertMessage(nil, m.ReferencedMessage)
		if ref.GuildID == "" {
			ref.GuildID = m.GuildID
		}
		msg.Reference = ref
	} else if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.Reference = &platform.Message{ID: m.MessageReference.MessageID, ChannelID: m.MessageReference.ChannelID}
	}
	return msg
}

func messageType(t discordgo.MessageType) platform.MessageType {
	switch t {
	case discordgo.MessageTypeDefault:
		return platform.MessageDefault
	case discordgo.MessageTypeReply:
		return platform.MessageReply
	default:
		return platform.MessageSystem
	}
}

func convertUser(u *discordgo.User, member *discordgo.Member) *platform.User {
	out := &platform.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.GlobalName,
		AvatarURL:   u.AvatarURL(""),
		Bot:         u.Bot,
	}
	if member != nil && member.Nick != "" {
		out.DisplayName = member.Nick
	}
	return out
}

func convertEmbed(e *discordgo.MessageEmbed) platform.Embed {
	out := platform.Embed{Title: e.Title, Description: e.Description, URL: e.URL, Color: e.Color}
	if e.Image != nil {
		out.ImageURL = e.Image.URL
	}
	if e.Thumbnail != nil {
		out.ThumbnailURL = e.Thumbnail.URL
	}
	if e.Footer != nil {
		out.FooterText = e.Footer.Text
	}
	return out
}
