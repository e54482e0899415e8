package python

import (
	"sort"
	"strings"

	"github.com/jward/codeintel/internal/lang"
	"github.com/jward/codeintel/internal/trigger"
)

var docTags = []string{"def", "defreturn", "exception", "keyparam", "link", "linkplain", "param", "return", "see"}

var magicMethods = func() []string {
	names := []string{
		"__init__", "__new__", "__del__", "__repr__", "__str__",
		"__lt__", "__le__", "__eq__", "__ne__", "__gt__", "__ge__",
		"__hash__", "__bool__",
		"__getattr__", "__setattr__", "__delattr__", "__getattribute__", "__call__",
		"__len__", "__getitem__", "__setitem__", "__delitem__", "__iter__",
		"__reversed__", "__contains__",
		"__add__", "__sub__", "__mul__", "__floordiv__", "__mod__", "__divmod__",
		"__pow__", "__lshift__", "__rshift__", "__and__", "__xor__", "__or__",
		"__truediv__", "__radd__", "__rsub__", "__rmul__", "__rtruediv__",
		"__rfloordiv__", "__rmod__", "__rdivmod__", "__rpow__", "__rlshift__",
		"__rrshift__", "__rand__", "__rxor__", "__ror__", "__iadd__", "__isub__",
		"__imul__", "__itruediv__", "__ifloordiv__", "__imod__", "__ipow__",
		"__ilshift__", "__irshift__", "__iand__", "__ixor__", "__ior__",
		"__neg__", "__pos__", "__abs__", "__invert__", "__complex__", "__int__",
		"__float__", "__index__",
		"__enter__", "__exit__",
	}
	sort.Strings(names)
	return names
}()

// StaticCompletions answers magic-symbols and pythondoc-tags triggers.
func (p *Intel) StaticCompletions(trg *trigger.Trigger) ([]lang.Completion, bool) {
	switch {
	case trg.Is(trigger.FormCompletion, "pythondoc-tags"):
		return completions("variable", docTags, ""), true
	case trg.Is(trigger.FormCompletion, "magic-symbols"):
		switch trg.ExtraString("symbolstype") {
		case "string":
			return []lang.Completion{{Kind: "variable", Name: "__main__"}}, true
		case "def":
			post, _, _ := strings.Cut(trg.ExtraString("posttext"), "\n")
			if strings.Contains(post, "(") {
				return completions("function", magicMethods, ""), true
			}
			return completions("function", magicMethods, "(self"), true
		default:
			globals := []string{"__file__", "__loader__", "__name__", "__package__"}
			if strings.HasSuffix(trg.ExtraString("text"), "if") {
				globals[2] = "__name__ == '__main__':"
			}
			return completions("variable", globals, ""), true
		}
	}
	return nil, false
}

func completions(kind string, names []string, suffix string) []lang.Completion {
	out := make([]lang.Completion, len(names))
	for i, n := range names {
		out[i] = lang.Completion{Kind: kind, Name: n + suffix}
	}
	return out
}
