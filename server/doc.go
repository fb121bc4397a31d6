/*
Package server runs a DSO coordination server.  It owns the object store and wires
the transaction, lock, garbage collection and replication managers to two front
ends: the rpc server that client and peer sessions connect to, and a read-only
management HTTP API under /api/.

A server configured without group members is active as soon as it starts.  With
group members it holds an election, and the losers stream state from the winner as
passives until it goes away.

Commits flow through two single-worker stages so that transactions from one client
are applied in the order they were sent:

	commit: decode the client's batch and sequence its transactions
	apply:  apply each ready transaction, broadcast and acknowledge it

Object requests are served by a separate stage with several workers.
*/
package server
