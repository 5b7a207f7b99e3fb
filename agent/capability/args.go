package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

const dateLayout = "2006-01-02"

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeArgs decodes planner args into T without weak typing and checks its
// validate tags. Every failure wraps ErrInvalidArgument.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &out,
		TagName:     "json",
		ErrorUnused: true,
	})
	if err != nil {
		return out, fmt.Errorf("build args decoder: %w", err)
	}
	if err := dec.Decode(args); err != nil {
		return out, fmt.Errorf("%w: %v", contractx.ErrInvalidArgument, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %s", contractx.ErrInvalidArgument, describeValidation(err))
	}
	return out, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "datetime":
			parts = append(parts, fmt.Sprintf("%s must be a date formatted as %s", field, fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}

// dateRange parses an inclusive YYYY-MM-DD range into [start, end) in loc.
func dateRange(startDate, endDate string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dateLayout, startDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date: %v", contractx.ErrInvalidArgument, err)
	}
	end, err := time.ParseInLocation(dateLayout, endDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date: %v", contractx.ErrInvalidArgument, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date is before start_date", contractx.ErrInvalidArgument)
	}
	return start, end.AddDate(0, 0, 1), nil
}
