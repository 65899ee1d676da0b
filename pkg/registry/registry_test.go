// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndHeartbeat(t *testing.T) {
	r := New(50 * time.Millisecond)

	c := r.Register("siteA", "tok-1", "orgA", "siteA:9000")
	require.NotNil(t, c)
	assert.False(t, c.Dead())

	assert.True(t, r.Heartbeat("siteA", "tok-1"))
	assert.False(t, r.Heartbeat("siteA", "wrong-token"))
	assert.False(t, r.Heartbeat("unknown", "tok-1"))
}

func TestSweepMarksDead(t *testing.T) {
	r := New(10 * time.Millisecond)
	r.Register("siteA", "tok-1", "", "")

	time.Sleep(30 * time.Millisecond)
	dead := r.Sweep()

	assert.Equal(t, []string{"siteA"}, dead)
	assert.Empty(t, r.Live())
	assert.NotNil(t, r.GetClientDisconnectTime("siteA"))
}

func TestRebindByName(t *testing.T) {
	r := New(time.Minute)
	r.Register("siteA", "tok-1", "", "")
	rebound := r.Register("siteA", "tok-2", "", "")

	assert.Equal(t, "tok-2", rebound.Token)
	c, ok := r.Get("siteA")
	require.True(t, ok)
	assert.Equal(t, "tok-2", c.Token)
	assert.False(t, c.Dead())
}

func TestDeregister(t *testing.T) {
	r := New(time.Minute)
	r.Register("siteA", "tok-1", "", "")
	r.Deregister("siteA")

	_, ok := r.Get("siteA")
	assert.False(t, ok)
}
