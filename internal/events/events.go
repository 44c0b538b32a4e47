// Package events validates tracked events and queues them for the sink.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const (
	MaxProperties = 300
	MaxSizeBytes  = 32 * 1024

	// baseEventSize approximates the fixed fields of an encoded event.
	baseEventSize = 1024
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

var eventTypePattern = regexp.MustCompile(`^[a-zA-Z0-9][-_.:a-zA-Z0-9]{0,79}$`)

// Event is a tracked user action.
type Event struct {
	Key             string         `json:"key" validate:"required,max=250"`
	TrafficTypeName string         `json:"trafficTypeName" validate:"required"`
	EventTypeID     string         `json:"eventTypeId" validate:"required,eventtype"`
	Value           *float64       `json:"value"`
	Timestamp       int64          `json:"timestamp"`
	Properties      map[string]any `json:"properties,omitempty" validate:"max=300"`
}

// Validator checks events before they are queued.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

var (
	validatorOnce sync.Once
	shared        *validator.Validate
)

func structValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
			return eventTypePattern.MatchString(fl.Field().String())
		})
		shared = v
	})
	return shared
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{validate: structValidator(), logger: logger}
}

// Validate normalizes e in place and reports why it cannot be tracked.
// Traffic types are lowercased and unsupported property values are nulled.
func (v *Validator) Validate(e *Event) error {
	if e == nil {
		return fmt.Errorf("%w: event cannot be nil", ErrInvalidEvent)
	}

	if lower := strings.ToLower(e.TrafficTypeName); lower != e.TrafficTypeName {
		v.logger.Warn("traffic type should be lowercase, converting",
			slog.String("traffic_type", e.TrafficTypeName),
		)
		e.TrafficTypeName = lower
	}

	if err := v.validate.Struct(e); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidEvent, describe(fieldErrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	size := baseEventSize
	for name, value := range e.Properties {
		size += len(name)
		switch val := value.(type) {
		case nil, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		case string:
			size += len(val)
		default:
			v.logger.Warn("unsupported property value, setting to null",
				slog.String("property", name),
				slog.String("type", fmt.Sprintf("%T", value)),
			)
			e.Properties[name] = nil
		}
	}
	if size > MaxSizeBytes {
		return fmt.Errorf("%w: properties exceed %d bytes", ErrInvalidEvent, MaxSizeBytes)
	}

	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s cannot be empty", fe.Field())
	case "max":
		return fmt.Sprintf("%s exceeds %s", fe.Field(), fe.Param())
	case "eventtype":
		return fmt.Sprintf("%s %q must match %s", fe.Field(), fe.Value(), eventTypePattern.String())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
