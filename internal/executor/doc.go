// Package executor provides the prompt execution backends the connector can
// hand decrypted prompts to.
//
// Echo answers with the prompt text and is meant for wiring checks. Command
// runs a local program per prompt, feeds the prompt on stdin, streams each
// stdout line back as progress and returns the collected output as the
// result. Both stop when their context is cancelled.
package executor
