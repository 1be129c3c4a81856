// Package agent implements the tool-calling turn loop that answers
// repository questions. A Runner sends the conversation to a model
// backend, executes the tool calls the model requests, and keeps going
// until the model produces a final text answer or a terminal condition
// (budget, cancellation, failure) ends the turn.
package agent
