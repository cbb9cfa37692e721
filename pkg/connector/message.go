// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/event"
)

// MessageKind tags a NormalizedMessage.
type MessageKind int

const (
	MessageIgnored MessageKind = iota
	MessageText
	MessageImage
)

func (k MessageKind) String() string {
	switch k {
	case MessageText:
		return "text"
	case MessageImage:
		return "image"
	default:
		return "ignored"
	}
}

// NormalizedMessage is what an inbound Slack notification resolves to.
// Text is set for MessageText, Image for MessageImage.
type NormalizedMessage struct {
	Kind  MessageKind
	Text  string
	Image *ImageMessage
}

// ImageMessage describes an image shared on Slack. Thumbnail fields are set
// only when Slack provided a thumbnail; Caption is already in Matrix form.
type ImageMessage struct {
	URL             string
	Title           string
	MimeType        string
	Size            int
	Width           int
	Height          int
	ThumbnailURL    string
	ThumbnailWidth  int
	ThumbnailHeight int
	Caption         string
}

// ImageInfo is the "info" block of an image message.
type ImageInfo struct {
	MimeType string `json:"mimetype"`
	Size     int    `json:"size"`
	Width    int    `json:"w"`
	Height   int    `json:"h"`
}

// ThumbnailInfo is the "thumbnail_info" block of an image message.
type ThumbnailInfo struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// ImageContent is the m.image event content sent by a puppet. The URL points
// straight at Slack, so thumbnail fields live at the top level.
type ImageContent struct {
	MsgType       event.MessageType `json:"msgtype"`
	URL           string            `json:"url"`
	Body          string            `json:"body"`
	Info          ImageInfo         `json:"info"`
	ThumbnailURL  string            `json:"thumbnail_url,omitempty"`
	ThumbnailInfo *ThumbnailInfo    `json:"thumbnail_info,omitempty"`
}

// Content builds the event content for the image.
func (img *ImageMessage) Content() *ImageContent {
	content := &ImageContent{
		MsgType: event.MsgImage,
		URL:     img.URL,
		Body:    img.Title,
		Info: ImageInfo{
			MimeType: img.MimeType,
			Size:     img.Size,
			Width:    img.Width,
			Height:   img.Height,
		},
	}
	if img.ThumbnailURL != "" {
		content.ThumbnailURL = img.ThumbnailURL
		content.ThumbnailInfo = &ThumbnailInfo{
			Width:  img.ThumbnailWidth,
			Height: img.ThumbnailHeight,
		}
	}
	return content
}
