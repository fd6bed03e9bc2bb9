package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// newCELEnv declares the variables EXPRESSION rules may reference.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("email_domain", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("city", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("card_bin", cel.StringType),
		cel.Variable("device", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// compileExpression compiles an EXPRESSION rule to a program, rejecting
// non-boolean expressions at load time.
func (e *Engine) compileExpression(rule *domain.DetectionRule) (cel.Program, error) {
	ast, issues := e.env.Compile(rule.Condition.Expression.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRule, rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidRule, rule.ID, ast.OutputType())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRule, rule.ID, err)
	}
	return prog, nil
}

// ValidateExpression compiles an expression without loading it. The API
// uses this to reject bad rules at creation time.
func (e *Engine) ValidateExpression(rule *domain.DetectionRule) error {
	_, err := e.compileExpression(rule)
	return err
}

func evalExpression(prog cel.Program, tx *domain.TransactionContext) (bool, string, error) {
	meta := tx.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	activation := map[string]any{
		"amount":         tx.Amount,
		"hour":           tx.Timestamp.Hour(),
		"user_id":        tx.UserID,
		"ip":             tx.IPAddress,
		"email_domain":   tx.EmailDomain(),
		"country":        tx.Shipping.Country,
		"city":           tx.Shipping.City,
		"payment_method": tx.Payment.Method,
		"card_bin":       tx.Payment.CardBIN,
		"device":         tx.DeviceFingerprint,
		"metadata":       meta,
	}

	out, _, err := prog.Eval(activation)
	if err != nil {
		return false, "", err
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, "", fmt.Errorf("expression returned non-boolean %v", out.Type())
	}
	if bool(b) {
		return true, "expression matched", nil
	}
	return false, "", nil
}
