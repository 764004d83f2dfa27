package actions

import (
	"context"
	"log/slog"
	"sort"
)

// Log returns the log action, which writes a message through the process
// logger. Useful as a scheduled heartbeat or to test wiring end to end.
func Log(logger *slog.Logger) Action {
	return Define("log").
		Describe("Write a message to the actuator log").
		Required("message", ParamString, "text to log").
		Param(ParamSpec{
			Name: "level", Type: ParamString, Default: "info",
			Enum: []any{"debug", "info", "warn", "error"},
		}).
		Optional("fields", ParamObject, "extra structured fields").
		Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
			var level slog.Level
			if err := level.UnmarshalText([]byte(stringParam(in.Params, "level", "info"))); err != nil {
				level = slog.LevelInfo
			}

			fields, _ := in.Params["fields"].(map[string]any)
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			args := make([]any, 0, len(keys))
			for _, k := range keys {
				args = append(args, slog.Any(k, fields[k]))
			}

			logger.Log(ctx, level, stringParam(in.Params, "message", ""), args...)
			return JSONOutput(map[string]any{"logged": true, "level": level.String()})
		})
}
