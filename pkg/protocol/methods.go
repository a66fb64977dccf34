package protocol

// ProtocolVersion is bumped when the WS control-plane surface changes
// incompatibly. Clients send it in connect and the server rejects
// mismatches.
const ProtocolVersion = 1

// RPC method name constants for the WS control plane.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
	MethodSend    = "send"
	MethodCancel  = "cancel"

	MethodSessionsList  = "sessions.list"
	MethodSessionsReset = "sessions.reset"

	MethodCronList   = "cron.list"
	MethodCronCreate = "cron.create"
	MethodCronDelete = "cron.delete"
	MethodCronRun    = "cron.run"
)
