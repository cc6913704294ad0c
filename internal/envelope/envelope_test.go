package envelope

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Jamshidjalolov/chatsync/internal/model"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		text string
		att  *model.Attachment
	}{
		{"image", "look at this", &model.Attachment{Kind: model.KindImage, URL: "https://cdn/x.png", FileName: "x.png", MimeType: "image/png", SizeBytes: 2048}},
		{"audio with duration", "", &model.Attachment{Kind: model.KindAudio, URL: "https://cdn/a.ogg", MimeType: "audio/ogg", DurationSeconds: 12}},
		{"sticker", "", model.Sticker("wave")},
		{"invalid utf-8 with sticker", "caf\xe9", model.Sticker("wave")},
		{"invalid utf-8 sentinel lookalike", Sentinel + "\xff\xfe", nil},
		{"unicode text", "привет 👋", &model.Attachment{Kind: model.KindFile, URL: "https://cdn/f.pdf", FileName: "f.pdf"}},
		{"no attachment", "just text", nil},
		{"text looks like envelope", Sentinel + `{"text":"x"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(Encode(tt.text, tt.att))
			if got.Text != tt.text {
				t.Errorf("text = %q, want %q", got.Text, tt.text)
			}
			if !reflect.DeepEqual(got.Attachment, tt.att) {
				t.Errorf("attachment = %+v, want %+v", got.Attachment, tt.att)
			}
		})
	}
}

func TestEncodeUsesSentinel(t *testing.T) {
	raw := Encode("hi", model.Sticker("s"))
	if !strings.HasPrefix(raw, Sentinel) {
		t.Errorf("encoded %q lacks sentinel", raw)
	}
	if Encode("hi", nil) != "hi" {
		t.Error("plain text should pass through unchanged")
	}
}

func TestDecodePlainText(t *testing.T) {
	got := Decode("plain text")
	if got.Text != "plain text" || got.Attachment != nil {
		t.Errorf("Decode(plain) = %+v", got)
	}
}

func TestDecodeMalformedFallsBack(t *testing.T) {
	raw := Sentinel + "{not json"
	got, err := DecodeStrict(raw)
	if !errors.Is(err, model.ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}
	if got.Text != raw || got.Attachment != nil {
		t.Errorf("fallback payload = %+v, want whole string as text", got)
	}
}

func TestDecodeUnknownKindBecomesFile(t *testing.T) {
	raw := Sentinel + `{"text":"t","attachment":{"kind":"hologram","url":"https://cdn/h"}}`
	got := Decode(raw)
	if got.Attachment == nil || got.Attachment.Kind != model.KindFile {
		t.Errorf("attachment = %+v, want kind file", got.Attachment)
	}
}

func TestDecodeDropsMediaWithoutURL(t *testing.T) {
	raw := Sentinel + `{"text":"t","attachment":{"kind":"image"}}`
	if got := Decode(raw); got.Attachment != nil {
		t.Errorf("attachment = %+v, want nil for failed upload", got.Attachment)
	}
}
