// Package pagination drives a skip/top paged endpoint as a resumable state
// machine.
//
// Each call to Engine.Step performs one discrete unit of work and returns a
// fresh State; nothing is carried in memory between steps. A host persists
// the returned State (see pkg/checkpoint) and may stop, reschedule or
// restart at any step boundary:
//
//	state := pagination.NewState(200)
//	for !state.Done() {
//		next, err := engine.Step(ctx, accessToken, state)
//		if err != nil {
//			return err // state is still the last good snapshot
//		}
//		state = next
//		store.Save(ctx, runID, state)
//	}
//
// States:
//   - fetching: fetch the page at the cursor and hold it as LastPage
//   - accumulating: append LastPage to Records and advance the cursor by Top
//   - done: the endpoint reported end-of-data; Records is complete
//
// Splitting fetch and append means a restart after a fetched-but-unappended
// page resumes with the append instead of fetching the same skip again.
package pagination
