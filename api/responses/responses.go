// Package responses renders the JSON envelope every handler replies with.
package responses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/types"
)

// echoMessage lists the codes whose own message reaches the client. Any other
// code is answered with its generic public message.
var echoMessage = map[pkgerrors.Code]bool{
	pkgerrors.CodeValidation:   true,
	pkgerrors.CodeForbidden:    true,
	pkgerrors.CodeUnauthorized: true,
	pkgerrors.CodeNotFound:     true,
	pkgerrors.CodeConflict:     true,
	pkgerrors.CodeIdempotency:  true,
	pkgerrors.CodeRateLimit:    true,
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessWithWarnings(w, http.StatusOK, data, nil)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	WriteSuccessWithWarnings(w, status, data, nil)
}

// WriteSuccessWithWarnings reports a committed operation whose secondary
// writes did not all complete.
func WriteSuccessWithWarnings(w http.ResponseWriter, status int, data any, warnings []string) {
	env := types.Envelope{Success: true, Data: data}
	if len(warnings) > 0 {
		env.Warnings = warnings
	}
	encode(w, status, env)
}

// Failure converts err into the status and body sent to the client. Errors
// without a code are treated as internal.
func Failure(err error) (int, types.Envelope) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	meta := pkgerrors.MetadataFor(typed.Code())

	env := types.Envelope{
		Error:   meta.PublicMessage,
		Code:    string(typed.Code()),
		Message: meta.PublicMessage,
	}
	if echoMessage[typed.Code()] && typed.Message() != "" {
		env.Error = typed.Message()
	}
	if meta.DetailsAllowed {
		env.Details = typed.Details()
	}
	return meta.HTTPStatus, env
}

// WriteError logs err with its full chain and writes the client envelope.
// 5xx responses log at error level, rejections at warn.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	status, env := Failure(err)
	if logg != nil {
		dump := pkgerrors.Dump(err)
		ctx = logg.WithFields(ctx, map[string]any{
			"error":         dump.TopMessage,
			"error_code":    env.Code,
			"error_chain":   dump.Chain,
			"pg_code":       dump.PGCode,
			"pg_detail":     dump.PGDetail,
			"pg_constraint": dump.PGConstraint,
			"http_status":   status,
		})
		if status >= http.StatusInternalServerError {
			logg.Error(ctx, "request.error", err)
		} else {
			logg.Warn(ctx, "request.rejected")
		}
	}
	encode(w, status, env)
}

func encode(w http.ResponseWriter, status int, body types.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Int("status", status).Msg("encode response")
	}
}
