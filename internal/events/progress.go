package events

import "github.com/rs/zerolog"

// LogProgress attaches a logging subscriber to the bus: every step event is
// written at debug level until the returned stop function is called. Stop
// drains whatever is still buffered before returning.
func LogProgress(bus *Bus, log zerolog.Logger) func() {
	ch, cancel := bus.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch {
			log.Debug().
				Str("run_id", ev.RunID).
				Int("step", ev.Step).
				Int("total_steps", ev.TotalSteps).
				Float64("d_loss", ev.DLoss).
				Float64("g_loss", ev.GLoss).
				Float64("grad_penalty", ev.GradPenalty).
				Msg("Training step")
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
