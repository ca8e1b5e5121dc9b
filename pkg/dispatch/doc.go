// Package dispatch runs the node protocol on top of a transport.
//
// It completes the connect handshake with each discovered peer, tracks which
// channels every peer wants, routes published messages to those peers only,
// and probes peers that fall silent, disconnecting the ones that stay
// silent. Connectivity changes are delivered locally as msg.Status values
// on channel 0.
//
// Typical usage:
//
//	d := dispatch.New(dispatch.DefaultConfig("arm"), registry, deliver)
//	server := transport.NewServer(transport.DefaultConfig("arm"), d)
//	d.Start(ctx, server)
//	defer d.Stop()
package dispatch
