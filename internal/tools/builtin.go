package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
)

// Built-in tool names.
const (
	CurrentTime = "current_time"
	Calculate   = "calculate"
	WordCount   = "word_count"
)

// BuiltinNames lists every built-in a config may enable.
var BuiltinNames = []string{CurrentTime, Calculate, WordCount}

func builtinSet(e *Executor) map[string]Builtin {
	return map[string]Builtin{
		CurrentTime: {
			Tool: domain.Tool{
				Name:        CurrentTime,
				Description: "Returns the current date and time, optionally in an IANA timezone.",
				Parameters: domain.ToolSchema{
					Type: "object",
					Properties: map[string]any{
						"timezone": map[string]any{"type": "string", "description": "IANA zone such as Europe/Berlin"},
					},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				return currentTime(e.now(), args)
			},
		},
		Calculate: {
			Tool: domain.Tool{
				Name:        Calculate,
				Description: "Applies an arithmetic operation to two numbers.",
				Parameters: domain.ToolSchema{
					Type: "object",
					Properties: map[string]any{
						"operation": map[string]any{
							"type": "string",
							"enum": []any{"add", "subtract", "multiply", "divide", "power", "modulo"},
						},
						"a": map[string]any{"type": "number"},
						"b": map[string]any{"type": "number"},
					},
					Required: []string{"operation", "a", "b"},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				return calculate(args)
			},
		},
		WordCount: {
			Tool: domain.Tool{
				Name:        WordCount,
				Description: "Counts the words in a text.",
				Parameters: domain.ToolSchema{
					Type: "object",
					Properties: map[string]any{
						"text": map[string]any{"type": "string"},
					},
					Required: []string{"text"},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				return strconv.Itoa(len(strings.Fields(text))), nil
			},
		},
	}
}

func currentTime(now time.Time, args map[string]any) (string, error) {
	zone, _ := args["timezone"].(string)
	if zone == "" {
		return now.UTC().Format(time.RFC3339), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("unknown timezone %q", zone)
	}
	return now.In(loc).Format(time.RFC3339), nil
}

func calculate(args map[string]any) (string, error) {
	op, _ := args["operation"].(string)
	a, err := number(args["a"])
	if err != nil {
		return "", fmt.Errorf("a: %w", err)
	}
	b, err := number(args["b"])
	if err != nil {
		return "", fmt.Errorf("b: %w", err)
	}

	var v float64
	switch op {
	case "add":
		v = a + b
	case "subtract":
		v = a - b
	case "multiply":
		v = a * b
	case "divide":
		if b == 0 {
			return "", errors.New("division by zero")
		}
		v = a / b
	case "power":
		v = math.Pow(a, b)
	case "modulo":
		if b == 0 {
			return "", errors.New("division by zero")
		}
		v = math.Mod(a, b)
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return "", errors.New("result is not a finite number")
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
