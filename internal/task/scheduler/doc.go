// Package scheduler turns cron specs and fixed intervals into task
// triggers. It only triggers; execution happens in the task engine.
package scheduler
