// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"time"

	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// Listen wires the Registry to the Cell: join/leave announcements register
// and deregister clients, heartbeat events refresh liveness, and a
// periodic sweep marks silent clients DEAD. Returns after subscribing;
// processing continues until ctx is done.
func (r *Registry) Listen(ctx context.Context, cell transport.Cell, sweepInterval time.Duration) error {
	announces, err := cell.SubscribeEvent(ctx, transport.SubscriptionFilter{Type: transport.EventClientAnnounce})
	if err != nil {
		return err
	}
	heartbeats, err := cell.SubscribeEvent(ctx, transport.SubscriptionFilter{Type: transport.EventHeartbeat})
	if err != nil {
		return err
	}

	go func() {
		for evt := range announces {
			var msg protocol.Announce
			if err := protocol.Unmarshal(evt.Data, &msg); err != nil {
				r.log.Errorf("Dropping malformed announce: %v", err)
				continue
			}
			if msg.Leave {
				r.log.Printf("Client %s left", msg.Name)
				r.Deregister(msg.Name)
				continue
			}
			r.log.Printf("Client %s joined", msg.Name)
			r.Register(msg.Name, msg.Token, msg.Organization, msg.Endpoint)
		}
	}()

	go func() {
		for evt := range heartbeats {
			var msg protocol.Heartbeat
			if err := protocol.Unmarshal(evt.Data, &msg); err != nil {
				r.log.Errorf("Dropping malformed heartbeat: %v", err)
				continue
			}
			if !r.Heartbeat(msg.Name, msg.Token) {
				// An unknown heartbeat usually means the server restarted
				// and lost the registration; rebind by name.
				r.Register(msg.Name, msg.Token, "", "")
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()

	return nil
}
