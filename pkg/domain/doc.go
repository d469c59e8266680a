/*
Package domain contains the core domain models of the conductor runtime.

It defines the normalized solution descriptors (agents, steps, tools, callbacks),
the runtime events published on the bus, session status and the error taxonomy.
This package is kept pure and free of external dependencies like I/O or
persistence, following Hexagonal Architecture principles.

# Key Entities

  - SolutionDescriptor: A validated, normalized catalog entry.
  - AgentSpec / StepSpec: The hierarchy of agents and their ordered steps.
  - ToolSpec / CallbackSpec: Capabilities bound by implementation reference.
  - RuntimeEvent: An immutable lifecycle notification.
  - Result: What a capability returns (output plus state side effects).
*/
package domain
