package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

const CalculationTaskName = "calculation_task"

// CalculationArgs is the argument schema of calculation_task.
type CalculationArgs struct {
	Numbers   []int64 `json:"numbers" validate:"required,min=1,max=100"`
	Operation string  `json:"operation" validate:"required,oneof=sum product average"`
}

// CalculationResult is the payload stored on a successful calculation_task.
type CalculationResult struct {
	Operation string  `json:"operation"`
	Result    float64 `json:"result"`
	Count     int     `json:"count"`
}

var errOverflow = errors.New("integer overflow")

// CalculationHandler computes the sum, product or average of a list of integers.
type CalculationHandler struct{}

// NewCalculationHandler creates a CalculationHandler.
func NewCalculationHandler() *CalculationHandler { return &CalculationHandler{} }

func (h *CalculationHandler) Name() string { return CalculationTaskName }

func (h *CalculationHandler) Validate(args json.RawMessage) error {
	var a CalculationArgs
	return decodeArgs(args, &a)
}

func (h *CalculationHandler) Execute(ctx context.Context, task *domain.Task, progress ProgressFunc) (any, error) {
	_, span := otel.Tracer("worker").Start(ctx, "task.calculation")
	defer span.End()

	var a CalculationArgs
	if err := decodeArgs(task.Args, &a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid args")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("calculation.operation", a.Operation),
		attribute.Int("calculation.count", len(a.Numbers)),
	)

	var acc int64
	if a.Operation == "product" {
		acc = 1
	}
	for i, n := range a.Numbers {
		var err error
		switch a.Operation {
		case "sum", "average":
			acc, err = addChecked(acc, n)
		case "product":
			acc, err = mulChecked(acc, n)
		default:
			err = fmt.Errorf("invalid operation: %s", a.Operation)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "calculation failed")
			return nil, fmt.Errorf("%s of %d numbers: %w", a.Operation, len(a.Numbers), err)
		}
		if (i+1)%10 == 0 || i+1 == len(a.Numbers) {
			if err := progress(ctx, (i+1)*100/len(a.Numbers)); err != nil {
				return nil, err
			}
		}
	}

	result := float64(acc)
	if a.Operation == "average" {
		result = result / float64(len(a.Numbers))
	}
	return CalculationResult{Operation: a.Operation, Result: result, Count: len(a.Numbers)}, nil
}

func addChecked(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, errOverflow
	}
	return a + b, nil
}

func mulChecked(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, errOverflow
	}
	return c, nil
}
