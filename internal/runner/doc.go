// Package runner dispatches a load plan to a fixed pool of executors.
//
// Each Runner owns one feeder goroutine and Instances executor goroutines
// connected by a bounded task channel:
//   - The feeder walks the plan and blocks while the channel is full, waking
//     every PollInterval to report congestion and to notice Stop.
//   - When the plan is exhausted the feeder closes the channel. Executors drain
//     the remaining tasks and exit when they observe the close.
//   - Each executor sleeps until the task's planned instant, then shoots it.
//     A task that is already late is shot immediately; the overrun shows up in
//     the sample's ScheduleDelay.
//
// # Basic Usage
//
//	r := runner.New(runner.Options{
//		Name:      "main",
//		Instances: 10,
//		Gun:       g,
//		Plan:      plan.New("main", sched, src),
//		Results:   sample.Chan(results),
//	})
//	r.Start(ctx)
//	<-r.Done()
//
// Stop may be called at any time and from any goroutine; it only sets the
// quit signal. Every executor checks the signal between tasks and while
// sleeping, so Running turns false within one task's duration.
//
// # Samples
//
// Every task that reaches the gun yields exactly one sample with Action
// "overall". Guns normally emit it themselves (see gun.Measure); when a gun
// returns or panics without doing so, the runner emits one on its behalf,
// marked as an error if the gun failed.
package runner
