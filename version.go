package conductor

// Version is the release of the runtime, reported by the hosts.
const Version = "0.3.0"
