// Package engine provides the types shared by every foundation plugin.
//
// # Results
//
// A plugin invocation produces a Result: one ItemResult per managed target,
// an aggregate Status, a Changed flag and the facts the plugin learned.
// Hard failures are attached with Fail and classified as EngineError values:
//
//   - validation: the request was malformed and nothing was touched
//   - conflict: a path exists with an unexpected node type
//   - integrity: a post-condition such as an archive's creates list failed
//   - permission: an ownership or mode change was refused
//   - transport: a download or subprocess failed
//
// # Subprocesses
//
// Plugins run external tools such as systemctl or crontab through the
// Executor interface. LocalExecutor runs them on the current host; tests
// substitute the scripted executor from enginetest.
//
// # Task ordering
//
// DAGBuilder orders named tasks by their needs, detecting unknown names and
// cycles, and groups them into levels for display.
package engine
