// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix appservice that bridges Slack
// channels through webhooks.
//
// Slack reaches the bridge through outgoing webhooks posted to
// POST /webhook. Each Slack user gets a ghost Matrix user
// (@<prefix><user id>:<domain>, lower case) that sends their messages.
// Matrix messages are posted back to Slack through the incoming webhook URL
// configured for the room.
//
// # Core Types
//
// [SlackConnector] owns the lifecycle: the appservice, the Matrix event
// processor, the public webhook listener and the loopback admin API listener.
//
// [InboundClassifier] turns Slack notifications into text or image messages.
// When a Slack API token is available the message record is fetched from the
// channel history, since notifications do not carry file details.
//
// [OutboundTranslator] turns Matrix text and image events into incoming
// webhook payloads, one rate limiter per webhook.
//
// [GhostManager] keeps ghost display names and avatars in sync with Slack.
// Avatar lookups are cached for a configurable TTL.
//
// [RoomStore] links Slack channels to Matrix rooms. Mappings come from the
// config file and from POST /api/reload-rooms, and are persisted by [Store].
//
// # Echo Prevention
//
// Messages the bridge sends must never come back to it. Slack posts by the
// bridge's own bots (USLACKBOT and bridge.bot_user_ids) are dropped on
// arrival. On the Matrix side, events sent by the bridge bot or any ghost are
// dropped, and so is any event whose ID was recorded by [EchoSuppressor] when
// the bridge sent it. These layers must not be simplified or removed.
//
// # Sub-packages
//
//   - substitution converts message text between the Slack and Matrix forms
//     and replaces emoji shortcodes.
package connector
