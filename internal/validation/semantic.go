package validation

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/rendis/lakeflow/pkg/schema"
)

// StepInputs describes the input mapping of one step in execution order.
type StepInputs struct {
	Step      string
	OutputKey string
	Inputs    map[string]string
}

// CheckInputReferences verifies that every `outputs.<key>` reference in a
// step's input mapping names the output of an earlier step. Without this an
// unknown key silently evaluates to nil.
func CheckInputReferences(steps []StepInputs) error {
	produced := make(map[string]bool, len(steps))
	var violations []string

	for _, st := range steps {
		fields := make([]string, 0, len(st.Inputs))
		for f := range st.Inputs {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		for _, f := range fields {
			src := st.Inputs[f]
			tree, err := parser.Parse(src)
			if err != nil {
				violations = append(violations,
					fmt.Sprintf("%s.inputs.%s: %s", st.Step, f, err.Error()))
				continue
			}
			for _, key := range outputRefs(tree.Node) {
				if !produced[key] {
					violations = append(violations,
						fmt.Sprintf("%s.inputs.%s: references output %q which is not produced by an earlier step", st.Step, f, key))
				}
			}
		}
		if st.OutputKey != "" {
			produced[st.OutputKey] = true
		}
	}

	if len(violations) == 0 {
		return nil
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("%d invalid input mappings", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// outputRefVisitor collects the property names of `outputs.<key>` accesses.
type outputRefVisitor struct {
	keys []string
}

func (v *outputRefVisitor) Visit(node *ast.Node) {
	m, ok := (*node).(*ast.MemberNode)
	if !ok {
		return
	}
	ident, ok := m.Node.(*ast.IdentifierNode)
	if !ok || ident.Value != "outputs" {
		return
	}
	if prop, ok := m.Property.(*ast.StringNode); ok {
		v.keys = append(v.keys, prop.Value)
	}
}

func outputRefs(root ast.Node) []string {
	v := &outputRefVisitor{}
	ast.Walk(&root, v)
	return v.keys
}
