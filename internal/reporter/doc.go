// Package reporter takes periodic lane engine stats snapshots.
//
// A robfig/cron schedule triggers each snapshot, but the snapshot itself runs
// as a task on the engine's IO lane, so reporting competes for workers like
// any other IO work and stops with the engine.
package reporter
