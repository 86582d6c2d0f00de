// Package agent runs the two-phase tool dispatch that answers a user query:
// one model call to decide on tool use, sequential tool execution, then a
// second model call to phrase the final answer.
//
// Invariants:
// - Action records preserve the model's emission order and correlate tool
//   results by call ID.
// - A failing tool never aborts the batch; its record carries the error and
//   the remaining calls still run.
// - Archiving fetched tweets is fire-and-forget and never delays or fails
//   the response.
package agent
