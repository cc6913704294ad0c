// Package upload stores attachment files and returns their public metadata.
package upload

import (
	"context"
	"io"

	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// File is an attachment draft waiting to be uploaded.
type File struct {
	Name            string
	MimeType        string
	Size            int64
	DurationSeconds int
	Body            io.Reader
	// Kind overrides the kind guessed from MimeType.
	Kind model.AttachmentKind
}

// Result describes an uploaded file.
type Result struct {
	URL             string
	FileName        string
	MimeType        string
	SizeBytes       int64
	DurationSeconds int
}

// Uploader stores files.
type Uploader interface {
	Upload(ctx context.Context, f File) (Result, error)
}

// Attachment builds the media attachment for an uploaded file.
func Attachment(f File, r Result) *model.Attachment {
	kind := f.Kind
	if kind == "" || kind == model.KindSticker {
		kind = model.MediaKindFor(r.MimeType)
	}
	return (&model.Attachment{
		Kind:            kind,
		URL:             r.URL,
		FileName:        r.FileName,
		MimeType:        r.MimeType,
		SizeBytes:       r.SizeBytes,
		DurationSeconds: r.DurationSeconds,
	}).Normalize()
}
