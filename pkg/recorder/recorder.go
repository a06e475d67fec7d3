// Package recorder delivers classified actions to the session's reporting
// endpoint.
package recorder

import (
	"context"
	"strings"
	"sync"

	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CommandPoster posts one action to {sessionURL}/commands. hubapi.Client
// implements it.
type CommandPoster interface {
	CreateCommand(ctx context.Context, sessionURL string, action protocol.Action) (string, error)
}

// Recorder reports actions for one session. It is a no-op until the base
// reporting URL is known; actions arriving earlier are dropped, not queued.
type Recorder struct {
	poster CommandPoster

	mu            sync.Mutex
	baseURL       string
	lastCommandID string
}

// New builds a Recorder without a base URL.
func New(poster CommandPoster) *Recorder {
	return &Recorder{poster: poster}
}

// SetBaseURL sets {apiUrl}/v1/sessions/{id}; an empty value disables reporting.
func (r *Recorder) SetBaseURL(baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	r.lastCommandID = ""
}

// BaseURL returns the current reporting base.
func (r *Recorder) BaseURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseURL
}

// LastCommandID returns the id assigned to the most recent recorded action.
func (r *Recorder) LastCommandID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommandID
}

// Record posts action once. A failed post is not retried: a lost record is
// acceptable, an out-of-order one is not.
func (r *Recorder) Record(ctx context.Context, action protocol.Action) (string, error) {
	baseURL := r.BaseURL()
	if baseURL == "" {
		log.Debug().Str("action", action.Type).Msg("session not began yet, action dropped")
		return "", nil
	}
	if r.poster == nil {
		return "", errors.New("recorder: command poster is nil")
	}
	id, err := r.poster.CreateCommand(ctx, baseURL, action)
	if err != nil {
		return "", errors.Wrapf(err, "record action %s", action.Type)
	}

	r.mu.Lock()
	if r.baseURL == baseURL {
		r.lastCommandID = id
	}
	r.mu.Unlock()
	log.Debug().Str("action", action.Type).Str("command_id", id).Msg("action recorded")
	return id, nil
}
