package broker

import "errors"

var (
	// ErrInvalidEndpoint is returned by [ParseEndpoint] and
	// [Session.Connect] when the broker URL cannot be used. No
	// connection attempt is made.
	ErrInvalidEndpoint = errors.New("invalid broker endpoint")

	// ErrMissingClientID rejects a connect with an empty client identifier.
	ErrMissingClientID = errors.New("client identifier is required")

	// ErrMissingTopic rejects a connect or publish with an empty topic.
	ErrMissingTopic = errors.New("topic is required")

	// ErrConnectTimeout wraps connect attempts that exceeded the
	// configured bound.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrPublishRejected is returned by [Session.Publish] when the
	// session is not connected. The transport is never invoked.
	ErrPublishRejected = errors.New("publish rejected: not connected")
)
