package qanet

import "github.com/23skdu/longbow-qanetxl/internal/recurrence"

// ContextMemory is the memory stream of the context embedding encoder.
type ContextMemory struct{ recurrence.Memory }

// QuestionMemory is the memory stream of the question embedding encoder.
type QuestionMemory struct{ recurrence.Memory }

// ModelMemory is the memory stream shared by the three model encoder passes.
type ModelMemory struct{ recurrence.Memory }

// State is the recurrent state threaded between segments of one document.
// The zero value starts a new document. A State must not be reused across
// documents.
type State struct {
	Context  ContextMemory
	Question QuestionMemory
	Model    ModelMemory
}
