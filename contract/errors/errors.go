package errors

import stderrors "errors"

// Error codes for the POS bridge contracts. Keep stable; operator tooling matches on them.
const (
	ErrCodeConnectivity        = "posbridge.connectivity"
	ErrCodeNotConnected        = "posbridge.not_connected"
	ErrCodeBufferFull          = "posbridge.buffer_full"
	ErrCodePublishRejected     = "posbridge.publish_rejected"
	ErrCodeConfirmTimeout      = "posbridge.confirm_timeout"
	ErrCodeMalformedMessage    = "posbridge.malformed_message"
	ErrCodeUnroutableEvent     = "posbridge.unroutable_event"
	ErrCodeConfiguration       = "posbridge.configuration"
	ErrCodeHandlerExists       = "posbridge.handler_exists"
	ErrCodeHandlerFailed       = "posbridge.handler_failed"
	ErrCodeCommandNotFound     = "posbridge.command_not_found"
	ErrCodeInvalidTransition   = "posbridge.invalid_transition"
	ErrCodeSerializationFailed = "posbridge.serialization_failed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrConnectivity        = Code(ErrCodeConnectivity)
	ErrNotConnected        = Code(ErrCodeNotConnected)
	ErrBufferFull          = Code(ErrCodeBufferFull)
	ErrPublishRejected     = Code(ErrCodePublishRejected)
	ErrConfirmTimeout      = Code(ErrCodeConfirmTimeout)
	ErrMalformedMessage    = Code(ErrCodeMalformedMessage)
	ErrUnroutableEvent     = Code(ErrCodeUnroutableEvent)
	ErrConfiguration       = Code(ErrCodeConfiguration)
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerFailed       = Code(ErrCodeHandlerFailed)
	ErrCommandNotFound     = Code(ErrCodeCommandNotFound)
	ErrInvalidTransition   = Code(ErrCodeInvalidTransition)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
)

// Retryable reports whether err describes a transient condition that a later attempt may clear.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	return stderrors.Is(err, ErrConnectivity) ||
		stderrors.Is(err, ErrNotConnected) ||
		stderrors.Is(err, ErrBufferFull)
}
