// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// mediaAccountDataPrefix namespaces the durable per-URL records in the
// bridge actor's account data.
const mediaAccountDataPrefix = "com.aiku.mixer.media."

// mediaRecord is the durable per-URL record. The in-memory tier expires;
// this record never does.
type mediaRecord struct {
	MXC id.ContentURIString `json:"mxc"`
}

// MediaCache reuploads externally hosted media to the homeserver at most
// once per URL. Lookups go memory tier first, then the durable account
// data record, then the actual upload, writing through both tiers.
//
// Two concurrent first-time fetches of the same URL may both upload; both
// succeed and the last durable write wins, after which all callers
// converge on one content URI. That window is accepted rather than
// serialized per URL.
type MediaCache struct {
	api   MatrixAPI
	cache *expirable.LRU[string, id.ContentURI]
	log   zerolog.Logger
}

// NewMediaCache creates a cache whose in-memory tier holds at most size
// entries for at most ttl each.
func NewMediaCache(api MatrixAPI, size int, ttl time.Duration, log zerolog.Logger) *MediaCache {
	return &MediaCache{
		api:   api,
		cache: expirable.NewLRU[string, id.ContentURI](size, nil, ttl),
		log:   log.With().Str("component", "media_cache").Logger(),
	}
}

// FetchOrUpload returns the content URI for the given source URL,
// uploading through the given intent only if no tier has it yet. A nil
// intent uses the bridge actor.
func (mc *MediaCache) FetchOrUpload(ctx context.Context, url string, intent MatrixIntent) (id.ContentURI, error) {
	if uri, ok := mc.cache.Get(url); ok {
		return uri, nil
	}

	var record mediaRecord
	err := mc.api.GetAccountData(ctx, mediaAccountDataPrefix+url, &record)
	if err == nil && record.MXC != "" {
		uri, parseErr := record.MXC.Parse()
		if parseErr == nil {
			mc.cache.Add(url, uri)
			return uri, nil
		}
		mc.log.Warn().Err(parseErr).Str("url", url).Msg("Discarding malformed durable media record")
	}

	if intent == nil {
		intent = mc.api.BotIntent()
	}
	uri, err := intent.UploadLink(ctx, url)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to upload %s: %w", url, err)
	}

	if err = mc.api.SetAccountData(ctx, mediaAccountDataPrefix+url, &mediaRecord{MXC: uri.CUString()}); err != nil {
		// The upload itself succeeded; a later call will just upload again.
		mc.log.Warn().Err(err).Str("url", url).Msg("Failed to write durable media record")
	}
	mc.cache.Add(url, uri)
	return uri, nil
}
