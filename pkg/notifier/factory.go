package notifier

import (
	"fmt"

	"github.com/cloudsync/cloudsync/internal/logging"
	"github.com/cloudsync/cloudsync/pkg/config"
)

// BuildFromConfig constructs a Notifier from the configured sink list
// (spec §4.9, §6.4 notifierSinks). An empty list still yields a
// working Notifier backed by a single LogSink so lifecycle events are
// never silently dropped.
func BuildFromConfig(cfgs []config.SinkConfig, logger logging.Logger) (*Notifier, error) {
	if len(cfgs) == 0 {
		return New(NewLogSink(logger)), nil
	}

	sinks := make([]Sink, 0, len(cfgs))
	for _, c := range cfgs {
		sink, err := buildSink(c, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return New(sinks...), nil
}

func buildSink(c config.SinkConfig, logger logging.Logger) (Sink, error) {
	switch c.Kind {
	case "log":
		return NewLogSink(logger), nil
	case "webhook":
		url, ok := c.Params["url"]
		if !ok || url == "" {
			return nil, fmt.Errorf("webhook sink requires a %q param", "url")
		}
		retries := 3
		return NewWebhookSink(url, retries), nil
	case "exec":
		command, ok := c.Params["command"]
		if !ok || command == "" {
			return nil, fmt.Errorf("exec sink requires a %q param", "command")
		}
		return NewExecSink(command), nil
	default:
		return nil, fmt.Errorf("unknown notifier sink kind %q", c.Kind)
	}
}
