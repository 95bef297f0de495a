package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"crewroute/internal/jobs"
	"crewroute/internal/model"
	"crewroute/internal/opt"
)

var validate = jobs.NewValidator()

// PreviewRequest solves a fully specified problem without touching the store.
type PreviewRequest struct {
	model.RoutingProblem
	Algorithm string `json:"algorithm,omitempty" validate:"omitempty,oneof=auto optimizer heuristic"`
}

type InsertionRequest struct {
	Depot      model.Coordinates `json:"depot"`
	Route      []opt.RouteStop   `json:"route" validate:"dive"`
	Candidate  opt.Candidate     `json:"candidate"`
	ShiftStart model.TimeOfDay   `json:"shiftStart"`
	ShiftEnd   model.TimeOfDay   `json:"shiftEnd" validate:"gtfield=ShiftStart"`
}

type SlotsRequest struct {
	InsertionRequest
	Preferred *model.TimeWindow `json:"preferredWindow,omitempty"`
	Limit     int               `json:"limit,omitempty" validate:"gte=0,lte=50"`
}

type RecomputeStop struct {
	StopID         string            `json:"stopId" validate:"required"`
	CustomerID     string            `json:"customerId"`
	Location       model.Coordinates `json:"location"`
	Window         *model.TimeWindow `json:"timeWindow,omitempty"`
	ServiceMinutes *uint             `json:"serviceMinutes,omitempty"`
}

type RecomputeRequest struct {
	Depot                 model.Coordinates  `json:"depot"`
	Stops                 []RecomputeStop    `json:"stops" validate:"dive"`
	ShiftStart            model.TimeOfDay    `json:"shiftStart"`
	DefaultServiceMinutes uint               `json:"defaultServiceMinutes"`
	Break                 *model.BreakConfig `json:"break,omitempty"`
}

// fieldError is a validation failure reported against one request field.
type fieldError struct {
	Field string
	Err   error
}

func (e *fieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func checkStruct(v any) error {
	err := validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		// drop the leading struct type name
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		return &fieldError{Field: ns, Err: fmt.Errorf("failed %s validation", fe.Tag())}
	}
	return err
}

func checkWindow(field string, w *model.TimeWindow) error {
	if w == nil {
		return nil
	}
	if err := w.Validate(); err != nil {
		return &fieldError{Field: field, Err: err}
	}
	return nil
}

func (r *InsertionRequest) Validate() error {
	if err := checkStruct(r); err != nil {
		return err
	}
	if err := r.Depot.Validate(); err != nil {
		return &fieldError{Field: "depot", Err: err}
	}
	for i, s := range r.Route {
		if err := s.Location.Validate(); err != nil {
			return &fieldError{Field: fmt.Sprintf("route[%d].location", i), Err: err}
		}
		if err := checkWindow(fmt.Sprintf("route[%d].timeWindow", i), s.Window); err != nil {
			return err
		}
	}
	if err := r.Candidate.Location.Validate(); err != nil {
		return &fieldError{Field: "candidate.location", Err: err}
	}
	return nil
}

func (r *SlotsRequest) Validate() error {
	if err := r.InsertionRequest.Validate(); err != nil {
		return err
	}
	if err := checkStruct(r); err != nil {
		return err
	}
	return checkWindow("preferredWindow", r.Preferred)
}

func (r *RecomputeRequest) Validate() error {
	if err := checkStruct(r); err != nil {
		return err
	}
	if err := r.Depot.Validate(); err != nil {
		return &fieldError{Field: "depot", Err: err}
	}
	if r.Break != nil {
		if err := r.Break.Validate(); err != nil {
			return &fieldError{Field: "break", Err: err}
		}
	}
	seen := make(map[string]struct{}, len(r.Stops))
	for i, s := range r.Stops {
		if _, dup := seen[s.StopID]; dup {
			return &fieldError{Field: fmt.Sprintf("stops[%d].stopId", i), Err: fmt.Errorf("duplicate stop %s", s.StopID)}
		}
		seen[s.StopID] = struct{}{}
		if err := s.Location.Validate(); err != nil {
			return &fieldError{Field: fmt.Sprintf("stops[%d].location", i), Err: err}
		}
		if err := checkWindow(fmt.Sprintf("stops[%d].timeWindow", i), s.Window); err != nil {
			return err
		}
	}
	return nil
}

func (r *PreviewRequest) Validate() error {
	if err := checkStruct(r); err != nil {
		return err
	}
	if err := r.RoutingProblem.Validate(); err != nil {
		return &fieldError{Field: "problem", Err: err}
	}
	return nil
}
