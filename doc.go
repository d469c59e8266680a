/*
Package conductor is a declarative multi-agent orchestration runtime.

Solutions are described in catalog files: a hierarchy of agents, each with an
ordered list of steps, plus the tools and callbacks they may invoke. The
runtime compiles every solution into a cycle-free graph, runs one step
scheduler per session against a session-scoped state tree, and streams
lifecycle events to the observer plugins it was configured with.

# Concept

Every tool, callback, model and tool-wrapped agent is an opaque capability
bound by reference ("builtin:echo", "process:quote"). The runtime only calls
it and records its result; what the capability does is up to the host.

Steps may reference session state through placeholders ("{{ trip.city }}"),
resolved freshly every time the step runs. A step can delegate to a
subagent, which runs its own steps and then returns control to the step
after the delegation point. A step marked confirm blocks until the host
answers yes, or re-enters the same step on any other answer.

# Usage

	rt, err := conductor.New(
		conductor.WithPaths("./catalog"),
		conductor.WithPlugins(plugins.Spec{Name: "log"}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	if _, err := rt.Load(ctx); err != nil {
		log.Fatal(err)
	}

	id, events, err := rt.StartSession(ctx, "travel", map[string]any{"profile": profile})
	...
	events, err = rt.Confirm(ctx, id, "", true)

Hosts for the same lifecycle live in pkg/adapters/http (REST) and
pkg/adapters/mcp (Model Context Protocol), and cmd/conductor wires them into a
CLI.
*/
package conductor
