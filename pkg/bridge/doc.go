// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements a one-way Matrix bridge for Mixer channel
// chat: each bridged room mirrors one channel's chat, with stream
// participants represented by ghost accounts.
//
// # Core Types
//
// [Bridge] is the registry. It maps rooms to channels, answers alias
// provisioning queries with fully decorated room creation requests, and
// guarantees at most one [StreamSession] per room.
//
// [StreamSession] owns one realtime chat connection and turns its events
// into Matrix side effects: ghost registration, profile sync, room join
// and message delivery, strictly in that order per event.
//
// [MessageAssembler] renders a message's typed parts into plain and HTML
// bodies, including mention pills; unknown part types degrade to text.
//
// [PuppetRegistry] maps participant names to ghost intents and keeps
// their display names and avatars synced, best effort.
//
// [MediaCache] uploads each external media URL to the homeserver at most
// once, backed by a TTL-bounded LRU plus a durable account data record.
//
// # One-way chat
//
// Messages typed into a bridged room from the Matrix side are redacted
// with an explanatory reason. Nothing is ever forwarded upstream.
//
// The Matrix and Mixer collaborators are consumed through the
// [MatrixAPI], [MatrixIntent], [ChatService] and [ChatConn] interfaces;
// tests substitute in-memory fakes for all four.
package bridge
