package engine

import "fmt"

// PrintTimings formats the accumulated per-call timers, §6's
// print_timings entry point.
func (c *Context) PrintTimings() string {
	t := c.Timings
	avgEval := float64(0)
	if t.EvalCalls > 0 {
		avgEval = t.EvalTime.Seconds() * 1000 / float64(t.EvalCalls)
	}
	avgPrompt := float64(0)
	if t.PromptEvalCalls > 0 {
		avgPrompt = t.PromptEvalTime.Seconds() * 1000 / float64(t.PromptEvalCalls)
	}
	return fmt.Sprintf(
		"eval: %d runs, %.2f ms/run, %.2f ms total\nprompt eval: %d runs, %.2f ms/run, %.2f ms total\nsample: %.2f ms total",
		t.EvalCalls, avgEval, t.EvalTime.Seconds()*1000,
		t.PromptEvalCalls, avgPrompt, t.PromptEvalTime.Seconds()*1000,
		t.SampleTime.Seconds()*1000,
	)
}

// ResetTimings zeroes the accumulated timers, §6's reset_timings.
func (c *Context) ResetTimings() {
	c.Timings = Timings{}
}
