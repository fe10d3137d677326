// Package streamsvc serves execution events to WebSocket clients. Clients
// subscribe per execution id; the server consumes the events topic and fans
// each event out to that execution's subscribers without ever blocking on a
// slow connection.
package streamsvc
