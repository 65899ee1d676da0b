// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package registry implements the Client Registry (C2): tracks connected
// clients, their tokens, liveness, and disconnect time.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfedcore/fedcore/pkg/clog"
)

// Client is a connected participant.
type Client struct {
	Name               string
	Token              string
	Organization       string
	ListeningEndpoint  string
	LastHeartbeat      time.Time
	DisconnectTime     *time.Time // set once marked DEAD
}

// Dead reports whether the client has been marked DEAD as of now.
func (c Client) Dead() bool {
	return c.DisconnectTime != nil
}

// Registry is the Client Registry. All methods are safe for concurrent use.
type Registry struct {
	mu               sync.RWMutex
	clients          map[string]*Client
	heartbeatTimeout time.Duration
	log              *clog.CLogger
}

// New returns a Registry that marks a client DEAD once heartbeatTimeout has
// elapsed since its last heartbeat.
func New(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		clients:          make(map[string]*Client),
		heartbeatTimeout: heartbeatTimeout,
		log:              clog.New("registry "),
	}
}

// Register adds or rebinds a client by name. If a client with this name is
// already tracked and not DEAD, its token is rebound in place rather
// than being treated as a brand-new client; a rebind preserves whatever the job Runner/Scheduler still know about this
// client's running-job membership. A previously DEAD client is revived.
func (r *Registry) Register(name, token, organization, endpoint string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[name]; ok {
		c.Token = token
		c.Organization = organization
		c.ListeningEndpoint = endpoint
		c.LastHeartbeat = time.Now()
		c.DisconnectTime = nil
		return c
	}

	c := &Client{
		Name:              name,
		Token:             token,
		Organization:      organization,
		ListeningEndpoint: endpoint,
		LastHeartbeat:     time.Now(),
	}
	r.clients[name] = c
	return c
}

// NewToken generates an opaque session token for a newly registering client.
func NewToken() string {
	return uuid.NewString()
}

// Heartbeat records a liveness signal from name. Returns false if name is
// not a registered client or token is not its current token.
func (r *Registry) Heartbeat(name, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[name]
	if !ok || c.Token != token {
		return false
	}
	c.LastHeartbeat = time.Now()
	c.DisconnectTime = nil
	return true
}

// Get returns the client registered under name, if any.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Live returns the names of all clients not currently marked DEAD.
func (r *Registry) Live() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, c := range r.clients {
		if !c.Dead() {
			out = append(out, name)
		}
	}
	return out
}

// GetClientDisconnectTime returns the DEAD time for name, or nil if the
// client is alive or unknown
func (r *Registry) GetClientDisconnectTime(name string) *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil
	}
	return c.DisconnectTime
}

// Sweep marks every client whose last heartbeat exceeds heartbeatTimeout as
// DEAD, setting its disconnect_time to now. Returns the names newly marked
// DEAD by this call. Intended to run on a periodic ticker.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var newlyDead []string
	for name, c := range r.clients {
		if c.Dead() {
			continue
		}
		if now.Sub(c.LastHeartbeat) > r.heartbeatTimeout {
			t := now
			c.DisconnectTime = &t
			newlyDead = append(newlyDead, name)
			r.log.Warnf("client %s marked DEAD (last heartbeat %s ago)", name, now.Sub(c.LastHeartbeat))
		}
	}
	return newlyDead
}

// Deregister removes a client entirely, e.g. on an explicit leave
// announcement.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)
}
