// Package proxyerr defines the error kinds surfaced by the record/playback
// engine. Every error carries a stable Kind and the offending path or
// identifier so that callers can branch on kind and still show a useful
// message.
package proxyerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindConfiguration a bad or missing fixture descriptor, or an invalid stage configuration.
	KindConfiguration Kind = "ConfigurationError"
	// KindUnknownSession an unknown or already stopped session identifier.
	KindUnknownSession Kind = "UnknownSession"
	// KindNoMatch no recorded entry answers a live playback request.
	KindNoMatch Kind = "NoMatchFound"
	// KindAssetStoreIO clone, fetch, push or filesystem failure in the asset store.
	KindAssetStoreIO Kind = "AssetStoreIOError"
	// KindAssetsConfigNotFound upward traversal found no assets.json.
	KindAssetsConfigNotFound Kind = "AssetsConfigNotFound"
)

// Error is the concrete error value returned by the engine.
type Error struct {
	Kind    Kind
	Message string
	// Target is the offending path, identifier or request line.
	Target string
	// Detail holds additional diagnostic lines (e.g. matcher diffs).
	Detail []string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, ErrNoMatch) works for
// any NoMatchFound error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfiguration        = &Error{Kind: KindConfiguration}
	ErrUnknownSession       = &Error{Kind: KindUnknownSession}
	ErrNoMatch              = &Error{Kind: KindNoMatch}
	ErrAssetStoreIO         = &Error{Kind: KindAssetStoreIO}
	ErrAssetsConfigNotFound = &Error{Kind: KindAssetsConfigNotFound}
)

// Configuration builds a ConfigurationError about target.
func Configuration(target, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Target: target, Message: fmt.Sprintf(format, args...)}
}

// WrapConfiguration builds a ConfigurationError with a cause.
func WrapConfiguration(target string, err error, format string, args ...interface{}) *Error {
	e := Configuration(target, format, args...)
	e.Err = err
	return e
}

// UnknownSession builds an UnknownSession error for id.
func UnknownSession(id string) *Error {
	return &Error{
		Kind:    KindUnknownSession,
		Target:  id,
		Message: fmt.Sprintf("there is no active session with id %q", id),
	}
}

// NoMatch builds a NoMatchFound error for the attempted request.
func NoMatch(method, uri string, detail []string) *Error {
	return &Error{
		Kind:    KindNoMatch,
		Target:  method + " " + uri,
		Message: fmt.Sprintf("unable to find a record for the request %s %s", method, uri),
		Detail:  detail,
	}
}

// AssetIO builds an AssetStoreIOError about target.
func AssetIO(target string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAssetStoreIO, Target: target, Message: fmt.Sprintf(format, args...), Err: err}
}

// ConfigNotFound builds an AssetsConfigNotFound error for the traversal start.
func ConfigNotFound(start string) *Error {
	return &Error{
		Kind:    KindAssetsConfigNotFound,
		Target:  start,
		Message: fmt.Sprintf("Unable to locate an assets.json at or above %s", start),
	}
}

// KindOf returns the kind of err, or "" if err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Details returns the diagnostic lines attached to err, if any.
func Details(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return nil
}
