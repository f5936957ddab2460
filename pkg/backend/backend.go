//go:generate mockgen -source backend.go -destination ../../internal/mocks/mock_backend.go -package mocks

// Package backend defines the document fetch and parse collaborator used by
// pipeline steps.
package backend

import (
	"context"
	"errors"
)

var (
	ErrBackendClosed = errors.New("backend is closed")
	ErrNotFound      = errors.New("document not found")
)

// Node is a queryable view over a fetched document. Queries on a missing
// path return a node whose Exists reports false.
type Node interface {
	Get(path string) Node
	Array() []Node
	String() string
	Value() any
	Exists() bool
	Raw() string
}

// Backend fetches documents and exposes lifecycle hooks that the
// housekeeper invokes periodically.
type Backend interface {
	Fetch(ctx context.Context, url string) (Node, error)
	// QuitIfIdle releases the resources held by a backend that was not used
	// for a while. A later Fetch acquires them again.
	QuitIfIdle(ctx context.Context) error
	// RestartIfNeeded recreates the resources of a backend that became
	// unhealthy.
	RestartIfNeeded(ctx context.Context) error
	Close() error
}
