// Package schedule runs one recurring task according to a policy that can be
// replaced while the loop is running.
//
// A Runner owns a single cancellable Timer and listens on two signals: the
// timer firing and a schedule update arriving through its Control. Every
// update cancels the pending timer and re-arms it from the update instant
// (last write wins, even when the value did not change). When the timer fires
// the Task runs on the loop goroutine; afterwards the Runner re-arms with the
// same input, measured from the completion instant.
//
// Policies compute "time until next trigger":
//   - Weekly: fixed weekday and time of day (wall clock of a location)
//   - Hourly: fixed number of hours, nil disables
//   - Cron: any robfig/cron schedule, the zero CronInput disables
//
//	ctl := schedule.NewControl[schedule.WeeklyInput]()
//	r := schedule.NewRunner[schedule.WeeklyInput](schedule.Weekly{}, report, ctl,
//		schedule.WithLogger(log))
//	go r.Run(ctx)
//	_ = ctl.Set(schedule.WeeklyInput{Weekday: time.Sunday, At: schedule.TimeOfDay{Hour: 10}})
package schedule
