// Package monitor is the activity store: the registry of live and finished
// activities, host resource samples and per-entity metrics.
//
// A Store is constructed explicitly and shared by the code being observed
// and the distribution layer. Mutations never fail: calls with unknown ids,
// calls after an activity has finished and calls while monitoring is
// disabled are silently ignored, so instrumented code needs no branching on
// whether monitoring is on.
//
// Instrumented code usually goes through a Span or one of the Wrap helpers
// rather than calling Begin and End directly:
//
//	run := monitor.WrapAgent(store, "planner", planner.Run)
//	result, err := run(ctx, task)
package monitor
