// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mixer/pkg/mixer"
)

// MessageAssembler turns the ordered parts of one chat message into Matrix
// message content, producing both a plain body and an HTML rendering so
// clients without HTML support still get readable text.
type MessageAssembler struct {
	puppets *PuppetRegistry
	log     zerolog.Logger
}

// NewMessageAssembler creates an assembler resolving mentions through the
// given puppet registry.
func NewMessageAssembler(puppets *PuppetRegistry, log zerolog.Logger) *MessageAssembler {
	return &MessageAssembler{
		puppets: puppets,
		log:     log.With().Str("component", "assembler").Logger(),
	}
}

// Assemble converts a chat message into sendable Matrix content. Part
// order is preserved in both renderings. Unknown part types degrade to
// their raw text with a warning instead of failing the whole message.
func (ma *MessageAssembler) Assemble(ctx context.Context, msg *mixer.ChatMessageEvent) *event.MessageEventContent {
	var body, htmlBody strings.Builder
	var mentioned []id.UserID

	for _, part := range msg.Parts {
		switch part.Type {
		case mixer.PartText:
			body.WriteString(part.Text)
			htmlBody.WriteString(html.EscapeString(part.Text))
		case mixer.PartEmoticon:
			// Emoticons are passed through as their text placeholder;
			// glyph assets are not imported.
			body.WriteString(part.Text)
			htmlBody.WriteString(html.EscapeString(part.Text))
		case mixer.PartLink:
			body.WriteString(part.URL)
			fmt.Fprintf(&htmlBody, `<a href="%s">%s</a>`,
				html.EscapeString(part.URL), html.EscapeString(part.Text))
		case mixer.PartTag:
			userID := ma.appendMention(ctx, part.Username, &body, &htmlBody)
			mentioned = append(mentioned, userID)
		default:
			ma.log.Warn().Str("part_type", part.Type).Msg("Unknown message part type")
			body.WriteString(part.Text)
			htmlBody.WriteString(html.EscapeString(part.Text))
		}
	}

	msgType := event.MsgText
	if msg.Action {
		msgType = event.MsgEmote
	}
	content := &event.MessageEventContent{
		MsgType:       msgType,
		Body:          body.String(),
		Format:        event.FormatHTML,
		FormattedBody: htmlBody.String(),
	}
	if len(mentioned) > 0 {
		content.Mentions = &event.Mentions{UserIDs: mentioned}
	}
	return content
}

// appendMention writes a mention pill for the tagged participant to both
// renderings and returns the mentioned ghost's user ID.
func (ma *MessageAssembler) appendMention(ctx context.Context, participant string, body, htmlBody *strings.Builder) id.UserID {
	intent := ma.puppets.Intent(participant)
	name, err := intent.DisplayName(ctx)
	if err != nil || name == "" {
		name = participant
	}
	body.WriteString("@" + name)
	fmt.Fprintf(htmlBody, `<a href="https://matrix.to/#/%s">%s</a>`,
		intent.UserID(), html.EscapeString(name))
	return intent.UserID()
}
