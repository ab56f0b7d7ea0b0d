package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	"github.com/angelmondragon/oxygencredits-backend/api/validators"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/geospatial"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	"github.com/angelmondragon/oxygencredits-backend/pkg/vegetation"
)

const ndviDateLayout = "2006-01-02"

type ndviCheckRequest struct {
	Polygon     json.RawMessage `json:"polygon" validate:"required"`
	BeforeStart string          `json:"before_start,omitempty"`
	BeforeEnd   string          `json:"before_end,omitempty"`
	AfterStart  string          `json:"after_start,omitempty"`
	AfterEnd    string          `json:"after_end,omitempty"`
}

// windows falls back to the analyzer defaults when no dates are given.
func (b ndviCheckRequest) windows(analyzer vegetation.Analyzer, now time.Time) (vegetation.Window, vegetation.Window, error) {
	if b.BeforeStart == "" && b.BeforeEnd == "" && b.AfterStart == "" && b.AfterEnd == "" {
		before, after := analyzer.DefaultWindows(now)
		return before, after, nil
	}
	dates := make([]time.Time, 4)
	for i, raw := range []string{b.BeforeStart, b.BeforeEnd, b.AfterStart, b.AfterEnd} {
		parsed, err := time.Parse(ndviDateLayout, raw)
		if err != nil {
			return vegetation.Window{}, vegetation.Window{}, pkgerrors.New(pkgerrors.CodeValidation, "window dates must be YYYY-MM-DD and all four are required")
		}
		dates[i] = parsed
	}
	before := vegetation.Window{Start: dates[0], End: dates[1]}
	after := vegetation.Window{Start: dates[2], End: dates[3]}
	if !before.End.After(before.Start) || !after.End.After(after.Start) {
		return vegetation.Window{}, vegetation.Window{}, pkgerrors.New(pkgerrors.CodeValidation, "window end must be after start")
	}
	return before, after, nil
}

// NDVICheck runs a vegetation analysis for a polygon without storing a
// claim. An unavailable engine yields a degraded result plus a warning.
func NDVICheck(analyzer vegetation.Analyzer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if analyzer == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "vegetation analysis not configured"))
			return
		}

		var body ndviCheckRequest
		if err := validators.DecodeJSONBody(w, r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		parcel, err := geospatial.ParsePolygon(body.Polygon)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		before, after, err := body.windows(analyzer, time.Now())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := analyzer.Analyze(r.Context(), parcel.Coordinates(), before, after)
		if err != nil {
			if result == nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			if logg != nil {
				logg.Warn(logg.WithField(r.Context(), "error", err.Error()), "ndvi check degraded")
			}
			responses.WriteSuccessWithWarnings(w, http.StatusOK, result, []string{"vegetation analysis unavailable; result is degraded"})
			return
		}
		responses.WriteSuccess(w, result)
	}
}
