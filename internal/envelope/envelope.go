// Package envelope multiplexes attachment metadata through a plain text field.
package envelope

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// Sentinel prefixes every encoded envelope.
const Sentinel = "__ATTACHMENT__"

// Payload is the decoded form of a text field.
type Payload struct {
	Text       string
	Attachment *model.Attachment
}

type wireAttachment struct {
	Kind            string `json:"kind"`
	StickerID       string `json:"stickerId,omitempty"`
	URL             string `json:"url,omitempty"`
	FileName        string `json:"fileName,omitempty"`
	MimeType        string `json:"mimeType,omitempty"`
	SizeBytes       int64  `json:"sizeBytes,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// JSON strings cannot hold invalid UTF-8, so such text travels as base64 in
// TextBytes instead of Text.
type wireEnvelope struct {
	Text       string          `json:"text"`
	TextBytes  string          `json:"textBytes,omitempty"`
	Attachment *wireAttachment `json:"attachment"`
}

// Encode packs text and att into a single string. Without an attachment the
// text is returned as is, unless it would itself look like an envelope.
func Encode(text string, att *model.Attachment) string {
	att = att.Normalize()
	if att == nil && !strings.HasPrefix(text, Sentinel) {
		return text
	}
	env := wireEnvelope{Text: text, Attachment: toWire(att)}
	if !utf8.ValidString(text) {
		env.Text, env.TextBytes = "", base64.StdEncoding.EncodeToString([]byte(text))
	}
	b, err := json.Marshal(env)
	if err != nil {
		return text
	}
	return Sentinel + string(b)
}

// Decode unpacks raw. Anything that is not a well-formed envelope is plain text.
func Decode(raw string) Payload {
	p, _ := DecodeStrict(raw)
	return p
}

// DecodeStrict is Decode that also reports model.ErrMalformedPayload when raw
// carried the sentinel but its body could not be parsed. The returned payload
// is always usable.
func DecodeStrict(raw string) (Payload, error) {
	body, ok := strings.CutPrefix(raw, Sentinel)
	if !ok {
		return Payload{Text: raw}, nil
	}
	var env wireEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Payload{Text: raw}, model.ErrMalformedPayload
	}
	text := env.Text
	if env.TextBytes != "" {
		decoded, err := base64.StdEncoding.DecodeString(env.TextBytes)
		if err != nil {
			return Payload{Text: raw}, model.ErrMalformedPayload
		}
		text = string(decoded)
	}
	return Payload{Text: text, Attachment: fromWire(env.Attachment)}, nil
}

func toWire(a *model.Attachment) *wireAttachment {
	if a == nil {
		return nil
	}
	return &wireAttachment{
		Kind:            string(a.Kind),
		StickerID:       a.StickerID,
		URL:             a.URL,
		FileName:        a.FileName,
		MimeType:        a.MimeType,
		SizeBytes:       a.SizeBytes,
		DurationSeconds: a.DurationSeconds,
	}
}

func fromWire(w *wireAttachment) *model.Attachment {
	if w == nil {
		return nil
	}
	a := &model.Attachment{
		Kind:            model.ParseAttachmentKind(w.Kind),
		StickerID:       w.StickerID,
		URL:             w.URL,
		FileName:        w.FileName,
		MimeType:        w.MimeType,
		SizeBytes:       w.SizeBytes,
		DurationSeconds: w.DurationSeconds,
	}
	return a.Normalize()
}
