package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/statesync/internal/adminclient"
	"github.com/marcus/statesync/internal/models"
	"github.com/marcus/statesync/internal/output"
)

const requestTimeout = 30 * time.Second

// shownError marks an error that a command already printed
type shownError struct{ err error }

func (e *shownError) Error() string { return e.err.Error() }
func (e *shownError) Unwrap() error { return e.err }

// newClient builds an admin client from the persistent flags
func newClient(cmd *cobra.Command) *adminclient.Client {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	if addr == "" {
		addr = defaultAddr
	}
	return adminclient.New(addr, token)
}

// formatFor reads --json / --yaml
func formatFor(cmd *cobra.Command) output.Format {
	if v, _ := cmd.Flags().GetBool("json"); v {
		return output.FormatJSON
	}
	if v, _ := cmd.Flags().GetBool("yaml"); v {
		return output.FormatYAML
	}
	return output.FormatText
}

// requestContext bounds one admin call
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

// errorCode maps client errors onto output error codes
func errorCode(err error) string {
	var apiErr *adminclient.APIError
	switch {
	case errors.Is(err, adminclient.ErrNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, adminclient.ErrInvalidTransition):
		return output.ErrCodeInvalidTransition
	case errors.Is(err, adminclient.ErrUnauthorized):
		return output.ErrCodeUnauthorized
	case errors.Is(err, adminclient.ErrUnavailable):
		return output.ErrCodeUnavailable
	case errors.Is(err, errInvalidInput):
		return output.ErrCodeInvalidInput
	case errors.As(err, &apiErr) && apiErr.Code == "bad_request":
		return output.ErrCodeInvalidInput
	default:
		return output.ErrCodeInternal
	}
}

var errInvalidInput = errors.New("invalid input")

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidInput, fmt.Sprintf(format, args...))
}

// parseAttrs turns ["k=v", ...] into attributes. Values that parse as
// JSON (numbers, booleans, objects, quoted strings) keep their type;
// anything else is stored as a plain string.
func parseAttrs(pairs []string) (models.Attributes, error) {
	attrs := models.Attributes{}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, invalidInput("attribute %q must be key=value", p)
		}
		attrs[key] = parseValue(raw)
	}
	return attrs, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil && v != nil {
		return v
	}
	return raw
}

// parseAttrFilter splits a single key=value list filter
func parseAttrFilter(s string) (string, string, error) {
	if s == "" {
		return "", "", nil
	}
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", invalidInput("filter %q must be key=value", s)
	}
	return key, value, nil
}
