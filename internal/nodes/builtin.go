package nodes

import (
	"log/slog"
	"time"

	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/expressions"
	"github.com/rendis/deflow/internal/protocol"
	"github.com/rendis/deflow/internal/validation"
)

// Deps are the collaborators shared by the built-in executors.
type Deps struct {
	Catalog   catalog.Catalog
	Validator validation.Validator
	Data      protocol.DataService
	Mailer    Mailer
	Retry     protocol.RetryPolicy
	HTTP      HTTPConfig
	MaxDelay  time.Duration
	Logger    *slog.Logger

	CEL  *expressions.CELEngine
	Expr *expressions.ExprEngine
	JQ   *expressions.GoJQEngine
}

const defaultMaxDelay = 5 * time.Minute

// withDefaults fills every unset collaborator.
func (d Deps) withDefaults() (*Deps, error) {
	if d.Catalog == nil {
		d.Catalog = builtinCatalog
	}
	if d.Validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		d.Validator = v
	}
	if d.Data == nil {
		d.Data = protocol.NewStaticProvider()
	}
	if d.Mailer == nil {
		d.Mailer = NewOutbox()
	}
	if d.Retry == (protocol.RetryPolicy{}) {
		d.Retry = protocol.DefaultRetryPolicy()
	}
	if d.MaxDelay <= 0 {
		d.MaxDelay = defaultMaxDelay
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		d.CEL = cel
	}
	if d.Expr == nil {
		d.Expr = expressions.NewExprEngine()
	}
	if d.JQ == nil {
		d.JQ = expressions.NewGoJQEngine()
	}
	return &d, nil
}

// Builtins constructs every built-in executor.
func Builtins(deps Deps) ([]NodeExecutor, error) {
	d, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	return []NodeExecutor{
		// Structural.
		NewManualTrigger(d),
		NewWebhookTrigger(d),
		NewScheduleTrigger(d),
		NewHTTPRequest(d),
		NewTransform(d),
		NewCondition(d),
		NewDelay(d),
		NewEmail(d),

		// Domain.
		NewPriceTrigger(d),
		NewYieldFarming(d),
		NewArbitrage(d),
		NewDCA(d),
		NewRebalance(d),
		NewYieldCondition(d),
		NewGasOptimizer(d),
		NewDAOGovernance(d),
	}, nil
}

// RegisterBuiltins registers all built-in executors in reg.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	all, err := Builtins(deps)
	if err != nil {
		return err
	}
	for _, e := range all {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}
