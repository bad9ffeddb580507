// Package entry schedules ESCL entry submissions.
//
// A job fires 24 hours before its event date at the requested time of day,
// resolves its bearer token just in time, and retries per Policy. Pending
// jobs are persisted so a restarted process can resume them.
//
// Outcomes:
//   - a Result is reported through the job's ResultSink and the record is
//     removed from the job store
//   - Cancel aborts the job at its next suspension point; no Result is
//     reported and the record is removed
//   - Shutdown aborts every job; records of aborted jobs stay persisted for
//     RestorePersistedJobs
package entry
