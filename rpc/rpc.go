// Package rpc implements synchronous RPC dispatch (spec.md §4.7):
// rpc_send writes to the single highest-priority subscriber registered
// for a path, schema-validating input before the call and output
// before returning it.
package rpc

import (
	"context"

	"github.com/c360/yangstore/diffengine"
	"github.com/c360/yangstore/schema"
	"github.com/c360/yangstore/subscription"
	"github.com/c360/yangstore/types"
	"github.com/c360/yangstore/yerrors"
)

// Dispatcher routes RPC calls to registered subscribers.
type Dispatcher struct {
	subs      *subscription.Registry
	validator *diffengine.Validator
	sctx      schema.Context
}

// New creates a Dispatcher. validator may be nil to skip schema
// validation (e.g. in tests exercising dispatch alone).
func New(subs *subscription.Registry, validator *diffengine.Validator, sctx schema.Context) *Dispatcher {
	return &Dispatcher{subs: subs, validator: validator, sctx: sctx}
}

// Send dispatches path's RPC to the single registered subscriber with
// the highest priority (ties broken by registration order, i.e. the
// first one subscription.ByModuleKind returns for that priority tier).
// If no subscriber is registered for the module owning path, it
// returns not_found.
func (d *Dispatcher) Send(ctx context.Context, module, path string, input schema.Tree) (schema.Tree, error) {
	subs := d.subs.ByModuleKind(module, types.RPC)
	var target *subscription.Subscription
	for _, s := range subs {
		if s.XPath == "" || s.XPath == path {
			target = s
			break
		}
	}
	if target == nil || target.RPCFn == nil {
		return nil, yerrors.New(yerrors.NotFound, "rpc", "Send", "no subscriber for "+path)
	}

	if d.validator != nil {
		rec := d.validator.Validate(ctx, input, d.sctx, module)
		if !rec.Empty() {
			return nil, rec
		}
	}

	output, err := target.RPCFn(ctx, input)
	if err != nil {
		return nil, yerrors.Wrap(err, yerrors.CallbackFailed, "rpc", "Send", path)
	}

	if d.validator != nil && output != nil {
		rec := d.validator.Validate(ctx, output, d.sctx, module)
		if !rec.Empty() {
			return nil, rec
		}
	}
	return output, nil
}
