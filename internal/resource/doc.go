// Package resource governs who owns an expensive, stateful handle (a broker
// session, an index reader or writer) and when it is created and destroyed.
//
// Code running inside a unit of work always observes the same handle for a
// given Key; the handle is closed exactly once, by its owner, when the unit of
// work completes. Code running outside a unit of work gets a private handle
// that it releases itself.
//
// The pieces, leaves first:
//
//   - Key names a resource configuration.
//   - ResourceHolder and DualHolder wrap live handles plus bookkeeping flags.
//   - Registry is the per-context table of bound holders and synchronizations,
//     carried through context.Context.
//   - Facade and DualFacade implement the acquire/release protocol used by
//     ordinary call sites.
//   - Manager is the transactional state machine (begin, commit, rollback,
//     suspend, resume, cleanup) and Template drives it with propagation rules.
//
// A typical transactional call site:
//
//	tpl := resource.NewTemplate(manager)
//	err := tpl.Execute(ctx, resource.Options{}, func(ctx context.Context) error {
//		return facade.Execute(ctx, func(ctx context.Context, s *broker.Session) error {
//			_, err := s.ExecContext(ctx, "UPDATE ...")
//			return err
//		})
//	})
package resource
