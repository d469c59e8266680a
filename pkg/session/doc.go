/*
Package session owns the live sessions of a runtime.

A Registry maps session identifiers to their state store and scheduler. Every
operation on one session runs under that session's lock (see WithLock), so a
session is driven by a single logical thread of control while different
sessions proceed concurrently. Idle sessions can be evicted by a janitor.
*/
package session
