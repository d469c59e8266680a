/*
Package ports defines the driven ports (interfaces) for the conductor runtime.

These interfaces decouple the core logic from external implementations, allowing
the runtime to bind any capability (built-in, process, model client) and fan
events out to any observer.

# Key Interfaces

  - Capability: An opaque invocable unit (tool, callback, model, tool-wrapped agent).
  - Plugin: An observer receiving every RuntimeEvent published on the bus.
  - Publisher: Anything that accepts events for fan-out (the bus).
  - Watchable: Sources that can signal a reload.
*/
package ports
