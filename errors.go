package main

import "errors"

// State inconsistencies: the update is dropped and logged, the connection
// stays up.
var (
	ErrUnknownZone     = errors.New("unknown zone")
	ErrUnknownToken    = errors.New("unknown token")
	ErrUnknownDrawable = errors.New("unknown drawable")
	ErrUnknownLabel    = errors.New("unknown label")
	ErrStaleInitiative = errors.New("stale initiative index")
)

var (
	ErrDuplicateName  = &HandshakeError{Code: CodeDuplicateName}
	ErrWrongVersion   = &HandshakeError{Code: CodeWrongVersion}
	ErrInvalidPass    = &HandshakeError{Code: CodeInvalidPassword}
	ErrInvalidKey     = &HandshakeError{Code: CodeInvalidPublicKey}
	ErrBadHandshake   = &HandshakeError{Code: CodeInvalidHandshake}
	ErrHandshakeTime  = &HandshakeError{Code: CodeTimeout}
	ErrServerDenied   = &HandshakeError{Code: CodeServerDenied}
	ErrTooManyRetries = &HandshakeError{Code: CodeRateLimited}
)

// HandshakeError is a coded handshake failure. It is always reported to the
// client before the connection is closed.
type HandshakeError struct {
	Code ResponseCode
	Msg  string
}

func (e *HandshakeError) Error() string {
	if e.Msg == "" {
		return "handshake: " + string(e.Code)
	}
	return "handshake: " + string(e.Code) + ": " + e.Msg
}

// Is matches on Code so errors.Is(err, ErrDuplicateName) works for any
// message text.
func (e *HandshakeError) Is(target error) bool {
	t, ok := target.(*HandshakeError)
	return ok && t.Code == e.Code
}

func handshakeErr(code ResponseCode, msg string) *HandshakeError {
	return &HandshakeError{Code: code, Msg: msg}
}
