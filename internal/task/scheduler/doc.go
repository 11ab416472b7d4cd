// Package scheduler runs named background jobs on cron schedules.
//
// Specs are robfig/cron expressions with optional seconds ("*/5 * * * *",
// "0 30 * * * *"), descriptors ("@hourly", "@every 55m") or a bare Go
// duration ("55m"), which is read as "@every 55m". A job never overlaps with
// itself; a trigger that fires while the previous run is still going is
// skipped.
package scheduler
