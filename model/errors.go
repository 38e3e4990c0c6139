package model

import "fmt"

// InputShapeError reports model input whose dimensions disagree with what
// the model configuration requires. It is raised before any weights are
// applied to the offending input.
type InputShapeError struct {
	Op   string
	Got  []int
	Want []int
}

func (e *InputShapeError) Error() string {
	return fmt.Sprintf("%s: input shape %v does not match expected shape %v", e.Op, e.Got, e.Want)
}

// PlaceholderMismatchError reports a prompt whose image placeholder count
// disagrees with the images supplied alongside it.
type PlaceholderMismatchError struct {
	Placeholders int
	Images       int
	Mode         PlaceholderMode
}

func (e *PlaceholderMismatchError) Error() string {
	switch e.Mode {
	case PlaceholderPerPatch:
		return fmt.Sprintf("prompt has %d image placeholders but the %d supplied images require one per patch", e.Placeholders, e.Images)
	default:
		return fmt.Sprintf("prompt has %d image placeholders but %d images were supplied", e.Placeholders, e.Images)
	}
}

// EmptyInputError reports an input sequence with nothing in it.
type EmptyInputError struct {
	What string
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("%s is empty", e.What)
}

// ConfigError reports a missing or unusable model configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("model config %s: %s", e.Field, e.Reason)
}
