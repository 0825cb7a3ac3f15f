// Package nats publishes procwatch events over NATS and accepts remote
// control requests.
//
// # Components
//
//   - Server: optional embedded NATS server (procwatch serve --nats-embedded)
//   - Forwarder: republishes bus events on per-process subjects
//   - ControlBridge: answers stop and filter requests with request/reply
//
// # Subject Hierarchy
//
//	procwatch.processes.{process_id}.logs        # one message per log entry
//	procwatch.processes.{process_id}.lifecycle   # started, exited, crashed, stopped, ...
//	procwatch.control.{process_id}.stop          # request: stop the process
//	procwatch.control.{process_id}.filter        # request: replace the level filter
//
// Forwarding is fire-and-forget (core NATS, no JetStream). The forwarder
// degrades to a no-op while the server is unreachable.
//
// # Debugging with nats CLI
//
// Follow everything:
//
//	nats sub "procwatch.>"
//
// Follow one process's errors:
//
//	nats sub "procwatch.processes.proc-1718000000000-1a2b3c4d.logs" | jq 'select(.level == "error")'
//
// Stop a process:
//
//	nats req "procwatch.control.proc-1718000000000-1a2b3c4d.stop" \
//	  '{"action":"stop","process_id":"proc-1718000000000-1a2b3c4d","reason":"debug"}'
//
// Only keep errors and warnings:
//
//	nats req "procwatch.control.proc-1718000000000-1a2b3c4d.filter" \
//	  '{"action":"filter","process_id":"proc-1718000000000-1a2b3c4d","levels":["error","warn"]}'
//
// # Message Formats
//
// LogMessage:
//
//	{
//	  "process_id": "proc-1718000000000-1a2b3c4d",
//	  "timestamp": "2024-06-10T06:13:20.123Z",
//	  "level": "error",
//	  "message": "[ERROR] connection refused",
//	  "source": "stderr"
//	}
//
// LifecycleMessage:
//
//	{
//	  "process_id": "proc-1718000000000-1a2b3c4d",
//	  "event": "process-crashed",
//	  "timestamp": "2024-06-10T06:13:21Z",
//	  "details": {"code": 1, "last_logs": 10}
//	}
//
// ControlReply:
//
//	{"ok": true, "forced": false}
package nats
