package main

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// defaultStepDelay paces the emitted messages so streaming consumers see
// more than one flush.
const defaultStepDelay = 25 * time.Millisecond

// options are the command-line knobs the runner (or a human) may pass.
// Unknown flags are ignored so the mock keeps working when the invoking
// side grows new ones.
type options struct {
	maxTurns int
	schema   map[string]interface{}
	delay    time.Duration
}

func parseArgs(args []string) options {
	opts := options{delay: defaultStepDelay}

	take := func(i int) (string, bool) {
		if i+1 < len(args) {
			return args[i+1], true
		}
		return "", false
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, inline, hasInline := strings.Cut(arg, "=")
		value := inline

		grab := func() bool {
			if hasInline {
				return true
			}
			v, ok := take(i)
			if ok {
				value = v
				i++
			}
			return ok
		}

		switch name {
		case "--max-turns":
			if grab() {
				if n, err := strconv.Atoi(value); err == nil {
					opts.maxTurns = n
				}
			}
		case "--output-schema":
			if grab() {
				var schema map[string]interface{}
				if err := json.Unmarshal([]byte(value), &schema); err == nil {
					opts.schema = schema
				}
			}
		case "--delay":
			if grab() {
				if d, err := time.ParseDuration(value); err == nil && d >= 0 {
					opts.delay = d
				}
			}
		}
	}
	return opts
}

// schemaOutcomes extracts the outcome enum from an output schema of the
// shape the executor sends.
func schemaOutcomes(schema map[string]interface{}) []string {
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	outcome, ok := props["outcome"].(map[string]interface{})
	if !ok {
		return nil
	}
	enum, ok := outcome["enum"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(enum))
	for _, v := range enum {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
