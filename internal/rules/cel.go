package rules

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/aegis-proxy/aegis/internal/decision"
)

// celEnv builds the CEL environment over exactly the fixed left-operand set
// §4.2 allows. Unlike the reference policy engine's open-ended CEL
// environment (arbitrary session/action/agent fields), this one is closed:
// a constraint triple referencing any variable outside this set is rejected
// at load time by validate(), not at evaluation time.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(string(decision.OperandTimeOfDay), cel.IntType),
		cel.Variable(string(decision.OperandIsBusinessHours), cel.BoolType),
		cel.Variable(string(decision.OperandAgentType), cel.StringType),
		cel.Variable(string(decision.OperandTrustScore), cel.DoubleType),
		cel.Variable(string(decision.OperandResourceClassification), cel.StringType),
		cel.Variable(string(decision.OperandDelegationDepth), cel.IntType),
		cel.Variable(string(decision.OperandEmergencyFlag), cel.BoolType),
	)
}

// compiledConstraints is the CEL program for the conjunction of every
// constraint on one Rule. A Rule with no constraints has a nil program and
// always fires once its action/target pattern matches.
type compiledConstraints struct {
	expr string
	prg  cel.Program
}

// compileConstraints builds one CEL program evaluating true iff every
// constraint in cs holds, translating each fixed operator into its CEL
// equivalent. Called once at policy load time, never on the hot path.
func compileConstraints(env *cel.Env, cs []decision.Constraint) (*compiledConstraints, error) {
	if len(cs) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(cs))
	for _, c := range cs {
		clause, err := constraintClause(c)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	expr := strings.Join(clauses, " && ")

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("constraint expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return &compiledConstraints{expr: expr, prg: prg}, nil
}

// constraintClause renders one constraint triple as a CEL boolean
// sub-expression.
func constraintClause(c decision.Constraint) (string, error) {
	lit, err := celLiteral(c.RightOperand)
	if err != nil {
		return "", err
	}

	operand := string(c.LeftOperand)
	switch c.Operator {
	case decision.OpEq:
		return fmt.Sprintf("%s == %s", operand, lit), nil
	case decision.OpNeq:
		return fmt.Sprintf("%s != %s", operand, lit), nil
	case decision.OpLt:
		return fmt.Sprintf("%s < %s", operand, lit), nil
	case decision.OpLteq:
		return fmt.Sprintf("%s <= %s", operand, lit), nil
	case decision.OpGt:
		return fmt.Sprintf("%s > %s", operand, lit), nil
	case decision.OpGteq:
		return fmt.Sprintf("%s >= %s", operand, lit), nil
	case decision.OpIn:
		return fmt.Sprintf("%s in %s", operand, lit), nil
	case decision.OpNotIn:
		return fmt.Sprintf("!(%s in %s)", operand, lit), nil
	default:
		return "", fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

// celLiteral renders a constraint's right-hand value as a CEL literal.
func celLiteral(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val), nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case int:
		return fmt.Sprintf("%d", val), nil
	case int64:
		return fmt.Sprintf("%d", val), nil
	case float64:
		return fmt.Sprintf("%g", val), nil
	case []string:
		parts := make([]string, len(val))
		for i, s := range val {
			parts[i] = fmt.Sprintf("%q", s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case []any:
		parts := make([]string, len(val))
		for i, e := range val {
			lit, err := celLiteral(e)
			if err != nil {
				return "", err
			}
			parts[i] = lit
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", fmt.Errorf("unsupported constraint literal type %T", v)
	}
}

// eval runs the compiled constraint program against a DecisionContext. A
// nil receiver (no constraints) always evaluates true.
func (cc *compiledConstraints) eval(ctx *decision.Context) (bool, error) {
	if cc == nil {
		return true, nil
	}

	trust := 0.0
	if ctx.TrustScore != nil {
		trust = *ctx.TrustScore
	}

	vars := map[string]any{
		string(decision.OperandTimeOfDay):             int64(ctx.HourOfDay),
		string(decision.OperandIsBusinessHours):       ctx.IsBusinessHours,
		string(decision.OperandAgentType):             ctx.AgentType,
		string(decision.OperandTrustScore):            trust,
		string(decision.OperandResourceClassification): ctx.ResourceClass,
		string(decision.OperandDelegationDepth):        int64(len(ctx.DelegationChain)),
		string(decision.OperandEmergencyFlag):          ctx.Emergency,
	}

	out, _, err := cc.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", cc.expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("constraint expression %q returned non-bool: %T", cc.expr, out.Value())
	}
	return result, nil
}
