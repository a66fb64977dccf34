package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct {
	now func() time.Time
}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string { return "current_time" }
func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific timezone."
}

func (t *CurrentTimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name, e.g. Europe/Berlin (default: server local time)",
			},
		},
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	now := t.now()

	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone: %s", tz))
		}
		now = now.In(loc)
	}

	return SilentResult(now.Format("Monday, 2 January 2006 15:04:05 MST"))
}
