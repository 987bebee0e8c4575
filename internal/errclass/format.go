package errclass

import "strings"

const (
	messageNetwork      = "Unable to reach the server. Check your connection and try again."
	messageValidation   = "Some of the information provided is invalid. Please review it and try again."
	messageUnauthorized = "Your session has expired. Please sign in again."
	messageForbidden    = "You do not have permission to perform this action."
	messageNotFound     = "The requested item could not be found."
	messageRateLimit    = "Too many requests. Please wait a moment and try again."
	messageServerError  = "Something went wrong on our end. Please try again later."
	messageGeneric      = "Something went wrong. Please try again."
)

var apiMessages = map[string]string{
	CodeUnauthorized: messageUnauthorized,
	CodeForbidden:    messageForbidden,
	CodeNotFound:     messageNotFound,
	CodeRateLimit:    messageRateLimit,
	CodeServerError:  messageServerError,
}

// FormatForUser returns the user-facing message for e. Unmapped API codes
// fall back to e.Message.
func FormatForUser(e *Error) string {
	if e == nil {
		return messageGeneric
	}
	switch e.Kind {
	case KindNetwork:
		return messageNetwork
	case KindValidation:
		return messageValidation
	case KindAPI:
		if msg, ok := apiMessages[e.Code]; ok {
			return msg
		}
	}
	if strings.TrimSpace(e.Message) == "" {
		return messageGeneric
	}
	return e.Message
}
