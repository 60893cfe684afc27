// Package rendezvous implements the server that sessions register with.
//
// The server tracks which GUIDs are connected, coordinates NAT punch-through
// between a client and a host that accepts incoming connections, allocates
// UDP forwarders when punch-through is impossible, answers GUID validity
// queries and keeps the public host listings.
package rendezvous
