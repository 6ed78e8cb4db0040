package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ramiqadoumi/taskpulse/internal/domain"
)

// ProgressFunc records execution progress (0..100) for the running task.
// It returns domain.ErrRevoked when a cancel signal is pending; the handler
// must stop and return that error.
type ProgressFunc func(ctx context.Context, percent int) error

// Handler executes one named task.
type Handler interface {
	Name() string
	// Validate checks submitted arguments without executing anything.
	Validate(args json.RawMessage) error
	// Execute runs the task body and returns a JSON-serialisable result.
	Execute(ctx context.Context, task *domain.Task, progress ProgressFunc) (any, error)
}

// Registry maps task names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a Registry holding hs.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler for the given task name.
// Returns InvalidTaskTypeError if not registered.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &domain.InvalidTaskTypeError{TaskName: name}
	}
	return h, nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate resolves name and checks args against its schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	h, err := r.Get(name)
	if err != nil {
		return err
	}
	return h.Validate(args)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeArgs strictly decodes args into dst and runs its validate tags.
// Every failure is reported as a *domain.ValidationError.
func decodeArgs(args json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(args)) == 0 || string(bytes.TrimSpace(args)) == "null" {
		return &domain.ValidationError{Field: "args", Reason: "is required"}
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return &domain.ValidationError{Field: typeErr.Field, Reason: "must be of type " + typeErr.Type.String()}
		}
		return &domain.ValidationError{Reason: err.Error()}
	}

	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &domain.ValidationError{Field: fe.Field(), Reason: describe(fe)}
		}
		return &domain.ValidationError{Reason: err.Error()}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " items"
	case "max":
		return "must have at most " + fe.Param() + " items"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
