// Package relay implements the rendezvous relay: a single UDP socket that
// learns each peer's endpoint from the senderId of its first datagram and
// forwards frames between the designated "server" peer and its clients.
//
// All inbound datagrams, whether read from the UDP socket or from a WebSocket
// bridge connection, go through Relay.HandleDatagram, which processes them one
// at a time. The address book and frame counter have a single owner.
package relay
