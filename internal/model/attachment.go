package model

import "strings"

// AttachmentKind is the tag of the Attachment variant.
type AttachmentKind string

const (
	KindSticker AttachmentKind = "sticker"
	KindImage   AttachmentKind = "image"
	KindVideo   AttachmentKind = "video"
	KindAudio   AttachmentKind = "audio"
	KindFile    AttachmentKind = "file"
)

// ParseAttachmentKind normalizes s; unknown kinds become KindFile.
func ParseAttachmentKind(s string) AttachmentKind {
	switch k := AttachmentKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSticker, KindImage, KindVideo, KindAudio, KindFile:
		return k
	default:
		return KindFile
	}
}

// Attachment is a tagged variant. Stickers only carry StickerID; media kinds
// carry the upload metadata and require a URL.
type Attachment struct {
	Kind AttachmentKind

	// sticker
	StickerID string

	// image, video, audio, file
	URL             string
	FileName        string
	MimeType        string
	SizeBytes       int64
	DurationSeconds int
}

// Sticker builds a sticker attachment.
func Sticker(id string) *Attachment {
	return &Attachment{Kind: KindSticker, StickerID: id}
}

// IsSticker reports whether a is the sticker variant.
func (a *Attachment) IsSticker() bool { return a != nil && a.Kind == KindSticker }

// Normalize enforces the variant invariants. Stickers lose any media fields,
// media attachments without a URL are dropped (nil is returned).
func (a *Attachment) Normalize() *Attachment {
	if a == nil {
		return nil
	}
	out := *a
	out.Kind = ParseAttachmentKind(string(a.Kind))
	if out.Kind == KindSticker {
		if out.StickerID == "" {
			return nil
		}
		return &Attachment{Kind: KindSticker, StickerID: out.StickerID}
	}
	out.StickerID = ""
	if out.URL == "" {
		return nil
	}
	return &out
}

// MediaKindFor guesses the attachment kind from a MIME type.
func MediaKindFor(mimeType string) AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	default:
		return KindFile
	}
}
