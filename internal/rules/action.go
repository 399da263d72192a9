package rules

// Verdict is the outcome of evaluating a rule or a chain against a message.
type Verdict int

const (
	// VerdictContinue moves evaluation to the next rule.
	VerdictContinue Verdict = iota
	// VerdictAccept ends evaluation with the current message.
	VerdictAccept
	// VerdictDrop aborts the exchange; no response is delivered.
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	}
	return "unknown"
}

// TransformFunc rewrites a field value. Returning an error (or panicking)
// leaves the field unchanged and evaluation continues.
type TransformFunc func(string) (string, error)

type actionKind int

const (
	actAccept actionKind = iota
	actDrop
	actLog
	actReplace
	actAppend
	actRemove
	actTransform
)

// Action describes what a rule does to its field. The action set is closed;
// construct values with the package-level constructors.
type Action struct {
	kind  actionKind
	value string
	fn    TransformFunc
}

// Accept leaves the field untouched and ends chain evaluation.
func Accept() Action { return Action{kind: actAccept} }

// Drop aborts the exchange immediately.
func Drop() Action { return Action{kind: actDrop} }

// Log emits the current field value to the logging sink and continues.
func Log() Action { return Action{kind: actLog} }

// Replace sets the field to the literal v and ends chain evaluation.
func Replace(v string) Action { return Action{kind: actReplace, value: v} }

// Append appends v to repeatable fields (headers, body) and ends chain
// evaluation; for scalar fields it is equivalent to Replace.
func Append(v string) Action { return Action{kind: actAppend, value: v} }

// Remove deletes the field (headers only) and ends chain evaluation.
func Remove() Action { return Action{kind: actRemove} }

// Transform sets the field to fn(current value) and continues with the next
// rule.
func Transform(fn TransformFunc) Action { return Action{kind: actTransform, fn: fn} }

func (a Action) String() string {
	switch a.kind {
	case actAccept:
		return "accept"
	case actDrop:
		return "drop"
	case actLog:
		return "log"
	case actReplace:
		return "replace"
	case actAppend:
		return "append"
	case actRemove:
		return "remove"
	case actTransform:
		return "transform"
	}
	return "unknown"
}

// Predicate gates a rule on the current field value.
type Predicate func(string) bool

// Rule pairs a field with an action and an optional predicate.
type Rule struct {
	Field  Field
	Action Action
	When   Predicate
}
