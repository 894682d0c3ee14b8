// Package agency runs multi-role agencies on top of a runtime host.
//
// A Coordinator expands one goal and a role list into one stream per role.
// Roles without a dependency start together; a role that depends on another
// starts once that role's stream emits its final chunk. Every chunk of every
// role is forwarded unmodified through a single OnChunk sink, so consumers
// tell roles apart by each chunk's instance and persona ids.
//
//	coord := agency.NewCoordinator(host, func(o *agency.Options) { o.MaxConcurrency = 4 })
//	run, err := coord.StartAgency(agency.Request{
//		Goal:  "Write a launch announcement",
//		Roles: []agency.Role{{ID: "researcher"}, {ID: "writer", DependsOn: "researcher"}},
//	}, agency.Handlers{OnChunk: sess.Apply})
//	...
//	err = run.Wait(ctx)
//
// Completion is join-all: OnDone fires after every role completed. The first
// role failure is reported through OnError while the remaining roles keep
// running; callers that want to stop them call Run.Cancel. Cancellation is
// cooperative and suppresses every later callback of the run.
//
// DefinitionStore persists user-defined agencies independently of any run.
package agency
