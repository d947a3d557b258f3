package ash

import (
	"fmt"
	"strconv"
)

// prepareChangesets turns a batch of indexed records plus the run input map
// into changesets with cast arguments. Cast failures and missing required
// arguments become changeset errors; the changeset stays in the batch.
func prepareChangesets(action *Action, batch []indexedRecord, input map[string]interface{}) []*Changeset {
	changesets := make([]*Changeset, 0, len(batch))
	for _, item := range batch {
		cs := NewChangeset(action.Resource, item.record, item.index)
		castArguments(action, cs, input)
		changesets = append(changesets, cs)
	}
	return changesets
}

// castArguments casts the run input map against the action's declared
// arguments and populates the changeset's Arguments.
func castArguments(action *Action, cs *Changeset, input map[string]interface{}) {
	declared := make(map[string]Argument, len(action.Arguments))
	for _, argument := range action.Arguments {
		declared[argument.Name] = argument
	}
	for name := range input {
		if _, ok := declared[name]; !ok {
			cs.AddError(NewFieldError(name, "unknown input"))
		}
	}
	for _, argument := range action.Arguments {
		raw, ok := input[argument.Name]
		if !ok {
			if argument.Default != nil {
				cs.Arguments[argument.Name] = argument.Default
				continue
			}
			if argument.Required {
				cs.AddError(NewFieldError(argument.Name, "argument is required"))
			}
			continue
		}
		value, err := castValue(argument.Type, raw)
		if err != nil {
			cs.AddError(NewFieldError(argument.Name, err.Error()))
			continue
		}
		cs.Arguments[argument.Name] = value
	}
}

// castValue casts the raw input value to the given argument type.
func castValue(argumentType ArgumentType, raw interface{}) (interface{}, error) {
	switch argumentType {
	case ArgumentTypeAny:
		return raw, nil
	case ArgumentTypeString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("cannot cast %T to string", raw)
	case ArgumentTypeInt:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, nil
			}
		}
		return nil, fmt.Errorf("cannot cast %T to int", raw)
	case ArgumentTypeFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("cannot cast %T to float", raw)
	case ArgumentTypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
		return nil, fmt.Errorf("cannot cast %T to bool", raw)
	}
	return nil, fmt.Errorf("invalid argument type %q", argumentType)
}
