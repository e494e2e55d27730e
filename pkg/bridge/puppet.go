// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// PuppetRegistry maps external chat participants to Matrix ghost
// identities and keeps their profiles in sync with upstream. The mapping
// is deterministic (participant name -> localpart), so no lookup table is
// kept beyond the homeserver's own account registry.
type PuppetRegistry struct {
	api        MatrixAPI
	media      *MediaCache
	userPrefix string
	log        zerolog.Logger
}

// NewPuppetRegistry creates a registry namespaced by userPrefix.
func NewPuppetRegistry(api MatrixAPI, media *MediaCache, userPrefix string, log zerolog.Logger) *PuppetRegistry {
	return &PuppetRegistry{
		api:        api,
		media:      media,
		userPrefix: userPrefix,
		log:        log.With().Str("component", "puppets").Logger(),
	}
}

// Intent returns the ghost intent for an external participant name. The
// account is created lazily by the first EnsureRegistered call.
func (pr *PuppetRegistry) Intent(participant string) MatrixIntent {
	return pr.api.Intent(pr.Localpart(participant))
}

// Localpart returns the ghost localpart for a participant name.
func (pr *PuppetRegistry) Localpart(participant string) string {
	return pr.userPrefix + "_" + sanitizeLocalpart(participant)
}

// IsPuppetLocalpart reports whether a localpart belongs to this bridge's
// ghost namespace. Used for echo prevention on Matrix-side events.
func (pr *PuppetRegistry) IsPuppetLocalpart(localpart string) bool {
	return strings.HasPrefix(localpart, pr.userPrefix+"_")
}

// SyncProfile brings the ghost's display name and avatar in line with
// upstream. Both steps are best effort and independent: a failed avatar
// upload never blocks the display name update, and either failure leaves
// the profile eligible to be fixed on the participant's next message.
func (pr *PuppetRegistry) SyncProfile(ctx context.Context, intent MatrixIntent, displayName, avatarURL string) {
	log := pr.log.With().Stringer("ghost", intent.UserID()).Logger()

	if avatarURL != "" {
		uri, err := pr.media.FetchOrUpload(ctx, avatarURL, intent)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to upload ghost avatar")
		} else if err = intent.SetAvatarURL(ctx, uri); err != nil {
			log.Warn().Err(err).Msg("Failed to set ghost avatar")
		}
	}

	if displayName != "" {
		current, err := intent.DisplayName(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to fetch ghost profile")
			return
		}
		if current != displayName {
			if err = intent.SetDisplayName(ctx, displayName); err != nil {
				log.Warn().Err(err).Msg("Failed to set ghost display name")
			}
		}
	}
}

// sanitizeLocalpart lowercases a participant name and replaces characters
// outside the localpart grammar with underscores. The mapping must stay
// stable across releases: it is the only link between a participant and
// their ghost account.
func sanitizeLocalpart(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
