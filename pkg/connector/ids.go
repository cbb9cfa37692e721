// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// DefaultUsernamePrefix is prepended to Slack user IDs to form ghost localparts.
const DefaultUsernamePrefix = "slack_"

// MakeGhostMXID creates the Matrix user ID of the ghost for a Slack user.
// Slack user IDs are upper case, Matrix localparts must be lower case.
func MakeGhostMXID(prefix, slackUserID, domain string) id.UserID {
	return id.NewUserID(strings.ToLower(prefix+slackUserID), domain)
}

// ParseGhostMXID extracts the (lower-cased) Slack user ID from a ghost MXID.
// It returns false if userID is not in the ghost namespace.
func ParseGhostMXID(prefix string, userID id.UserID, domain string) (string, bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != domain {
		return "", false
	}
	prefix = strings.ToLower(prefix)
	if !strings.HasPrefix(localpart, prefix) || len(localpart) == len(prefix) {
		return "", false
	}
	return localpart[len(prefix):], true
}
