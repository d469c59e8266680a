package domain

// SchemaVersion is the only catalog schema version this runtime understands.
const SchemaVersion = "1"

// Reserved state keys.
const (
	// NamespaceSys is the system-owned state namespace. Catalog documents may read
	// from it but never target it with save_to.
	NamespaceSys = "sys"

	// KeyMessage holds the payload of the latest SendMessage call.
	KeyMessage = "message"

	// KeyAnswer holds the output of the latest step (sys.ans).
	KeyAnswer = NamespaceSys + ".ans"

	// KeyInvocations counts invocations per capability (sys.invocations.<name>).
	KeyInvocations = NamespaceSys + ".invocations"

	// KeyIterations counts the runs of a repeating step (sys.iterations.<step>).
	KeyIterations = NamespaceSys + ".iterations"

	// KeyMessages is the append-only log of received payloads.
	KeyMessages = NamespaceSys + ".messages"

	// KeySession holds the session id and solution id.
	KeySession = NamespaceSys + ".session"
)

// Implementation reference prefixes understood by the capability registry.
const (
	ImplBuiltin = "builtin:"
	ImplProcess = "process:"
)
