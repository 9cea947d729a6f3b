package alwaysoffline

import "errors"

var (
	// ErrNotActive is returned for operations which need an activated engine.
	ErrNotActive = errors.New("engine is not active")
	// ErrUnknownControlMessage is returned for control messages of an unknown type.
	ErrUnknownControlMessage = errors.New("unknown control message")
	// ErrUnknownTag is returned for reconnection signals with an unknown tag.
	ErrUnknownTag = errors.New("unknown reconnection tag")
	// ErrUnknownPartition is returned for partitions which do not exist.
	ErrUnknownPartition = errors.New("unknown partition")
	// ErrNetworkFailure wraps transport errors and non-2xx origin responses.
	ErrNetworkFailure = errors.New("network failure")
)
