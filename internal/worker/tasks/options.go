package tasks

import "mediaq/internal/pkg/logger"

// Options are shared by the tool-backed handlers.
type Options struct {
	Runner  CommandRunner
	Retry   RetryPolicy
	WorkDir string
	Log     *logger.Logger
}

func (o Options) withDefaults(component string) Options {
	if o.Runner == nil {
		o.Runner = ExecRunner{}
	}
	if o.Retry.Attempts == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Log == nil {
		o.Log = logger.NewDefault()
	}
	o.Log = o.Log.WithComponent(component)
	return o
}
