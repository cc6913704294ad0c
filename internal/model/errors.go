package model

import "errors"

var (
	// ErrTransportUnreachable means the primary service cannot be resolved at all.
	ErrTransportUnreachable = errors.New("realtime transport unreachable")
	// ErrTransportAccessDenied means the channel path rejected the current credentials.
	ErrTransportAccessDenied = errors.New("realtime transport access denied")
	// ErrUploadFailed aborts a send before anything is written.
	ErrUploadFailed = errors.New("attachment upload failed")
	// ErrSendFailed means every transport failed and the message was rolled back.
	ErrSendFailed = errors.New("message send failed")
	// ErrSocketTerminal means a socket was rejected permanently or ran out of retries.
	ErrSocketTerminal = errors.New("connection lost, please refresh")
	// ErrMalformedPayload marks an envelope that could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrEmptyMessage rejects sends with neither text nor attachment.
	ErrEmptyMessage = errors.New("message is empty")
)
