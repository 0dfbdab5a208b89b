package controller

import "github.com/pitabwire/bpfstage/model"

// MessageKind classifies a failure for display.
type MessageKind string

const (
	MessagePermission MessageKind = "permission"
	MessageNetwork    MessageKind = "network"
	MessageTimeout    MessageKind = "timeout"
	MessageGeneric    MessageKind = "generic"
)

var messages = map[MessageKind]string{
	MessagePermission: "You do not have permission to view the business process flow for these records.",
	MessageNetwork:    "The business process flow could not be loaded. Check your connection and try again.",
	MessageTimeout:    "Loading the business process flow took too long. Try refreshing.",
	MessageGeneric:    "The business process flow could not be loaded.",
}

// UserMessage maps err to the text shown to the user. The second result is
// false for cancellations, which are never shown.
func UserMessage(err error) (MessageKind, string, bool) {
	if err == nil || model.IsCancelled(err) {
		return "", "", false
	}
	kind := classify(err)
	return kind, messages[kind], true
}

func classify(err error) MessageKind {
	switch model.CodeOf(err) {
	case model.ErrUnauthorized, model.ErrForbidden:
		return MessagePermission
	case model.ErrBackendUnavailable, model.ErrFetchFailed, model.ErrRateLimited:
		return MessageNetwork
	case model.ErrBackendTimeout:
		return MessageTimeout
	default:
		return MessageGeneric
	}
}
