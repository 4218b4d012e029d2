// Package engine is the workflow execution engine: a compiled, immutable
// step graph, four step variants behind one execution contract, and a
// per-run state machine that walks the graph, tracks per-step history,
// emits events, composes cancellation signals, and can suspend mid-run
// awaiting external human input.
//
// A host declares a workflow once through WorkflowBuilder and creates any
// number of Runs from it:
//
//	wf, err := engine.NewWorkflow("triage").
//		WithInputSchema(inputSchema).
//		Then(engine.NewStep("classify", classify)).
//		Branch(
//			engine.NewStep("route", route).WithBranchFunc(pickSeverity),
//			map[string]*engine.Step{
//				"critical": engine.NewStep("page", page),
//			},
//		).
//		Then(engine.NewStep("report", report)).
//		Build()
//
//	run := wf.NewRun()
//	result, err := run.Start(ctx, input)
//
// Step variants:
//
//   - Plain steps execute a caller-supplied handler.
//   - Human steps suspend the run with a prepared request; the host resumes
//     it later through Run.ResumeWithHumanInput.
//   - Concurrent groups fan the input out to named children (handlers or
//     sub-graphs) and join them, with fail-fast or wait-all failure
//     strategies.
//   - Iterative loops re-execute a body step while a condition holds,
//     bounded by a hard maximum.
//
// The engine schedules caller-supplied logic only: it does not retry, does
// not persist run state, and never talks to a language model itself. Schema
// validation, telemetry, and transports are consumed through narrow
// interfaces; see the schema package and the Telemetry interface.
package engine
