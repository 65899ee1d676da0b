// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriggerPropagatesToDescendants(t *testing.T) {
	root := New()
	child := root.Child()
	grandchild := child.Child()

	assert.False(t, root.Triggered())
	assert.False(t, grandchild.Triggered())

	root.Trigger()

	assert.True(t, root.Triggered())
	assert.True(t, child.Triggered())
	assert.True(t, grandchild.Triggered())
}

func TestChildTriggerLeavesParentUntouched(t *testing.T) {
	root := New()
	child := root.Child()

	child.Trigger()

	assert.True(t, child.Triggered())
	assert.False(t, root.Triggered())
}

func TestChildOfTriggeredSignalStartsTriggered(t *testing.T) {
	root := New()
	root.Trigger()

	child := root.Child()
	assert.True(t, child.Triggered())

	select {
	case <-child.Done():
	default:
		t.Fatal("Done channel of a pre-triggered child must be closed")
	}
}

func TestTriggerIsIdempotent(t *testing.T) {
	root := New()
	root.Trigger()
	root.Trigger() // must not panic on double close
	assert.True(t, root.Triggered())
}
