// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	stubs "github.com/coatyio/dda/apis/grpc/stubs/golang"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// DdaCell is the production Cell binding: every participant (server admin
// surface, job controller, client executor) dials the gRPC API of a
// co-located DDA sidecar. The gRPC sidecar binding is used uniformly for
// both server and client roles so a single Cell implementation serves
// every process kind.
type DdaCell struct {
	client stubs.ComServiceClient
	conn   *grpc.ClientConn
}

// DialDda opens a gRPC client connection to the DDA sidecar listening at
// address (host:port), returning a ready-to-use Cell.
func DialDda(address string) (*DdaCell, error) {
	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to dial DDA sidecar at %s: %w", address, err)
	}
	return &DdaCell{client: stubs.NewComServiceClient(conn), conn: conn}, nil
}

func (c *DdaCell) Close() error {
	return c.conn.Close()
}

func (c *DdaCell) PublishEvent(evt Event) error {
	_, err := c.client.PublishEvent(context.Background(), &stubs.Event{
		Type:   evt.Type,
		Id:     evt.ID,
		Source: evt.Source,
		Data:   evt.Data,
	})
	return err
}

func (c *DdaCell) SubscribeEvent(ctx context.Context, filter SubscriptionFilter) (<-chan Event, error) {
	stream, err := c.client.SubscribeEvent(ctx, &stubs.SubscriptionFilter{Type: filter.Type})
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			evt, err := stream.Recv()
			if err != nil {
				if status.Code(err) != codes.Canceled && err != io.EOF {
					// Best-effort: caller observes channel closure on error too.
				}
				return
			}
			select {
			case out <- Event{Type: filter.Type, ID: evt.Id, Source: evt.Source, Data: evt.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *DdaCell) SubscribeAction(ctx context.Context, filter SubscriptionFilter) (<-chan ActionRequest, error) {
	stream, err := c.client.SubscribeAction(ctx, &stubs.SubscriptionFilter{Type: filter.Type, Share: filter.Share})
	if err != nil {
		return nil, err
	}

	out := make(chan ActionRequest, 16)
	go func() {
		defer close(out)
		for {
			ac, err := stream.Recv()
			if err != nil {
				return
			}
			correlationID := ac.CorrelationId
			req := ActionRequest{
				Action: Action{
					Type:   ac.Action.Type,
					ID:     ac.Action.Id,
					Source: ac.Action.Source,
					Share:  filter.Share,
					Params: ac.Action.Params,
				},
				Reply: func(res ActionResult) error {
					_, err := c.client.PublishActionResult(context.Background(), &stubs.ActionResultCorrelated{
						CorrelationId: correlationID,
						Result:        &stubs.ActionResult{Context: res.Context, Data: res.Data},
					})
					return err
				},
			}
			select {
			case out <- req:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *DdaCell) PublishAction(ctx context.Context, act Action, timeout time.Duration) (<-chan ActionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	stream, err := c.client.PublishAction(ctx, &stubs.Action{
		Type:   act.Type,
		Id:     act.ID,
		Source: act.Source,
		Share:  act.Share,
		Params: act.Params,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	// Await the dda-suback before returning, so the caller knows subsequent
	// results will not be lost — grounded on coordinator.go's
	// `stream.Header()` wait in announce().
	_, _ = stream.Header()

	out := make(chan ActionResult, 8)
	go func() {
		defer close(out)
		defer cancel()
		for {
			ar, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case out <- ActionResult{Context: ar.Context, Data: ar.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
