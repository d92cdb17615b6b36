package engine

import (
	"errors"
	"fmt"
	"net/http"

	"taglink/config"
	"taglink/quality"
)

// TagHTTPRequest is the JSON form of a tag definition.
type TagHTTPRequest struct {
	ID              int64                  `json:"id"`
	Name            string                 `json:"name"`
	Topic           string                 `json:"topic,omitempty"`
	Unit            string                 `json:"unit,omitempty"`
	Description     string                 `json:"description,omitempty"`
	ValueType       string                 `json:"value_type,omitempty"`
	ProcessIDs      []int64                `json:"process_ids,omitempty"`
	EquipmentIDs    []int64                `json:"equipment_ids,omitempty"`
	SubEquipmentIDs []int64                `json:"sub_equipment_ids,omitempty"`
	AliveTag        bool                   `json:"alive_tag,omitempty"`
	ControlTag      bool                   `json:"control_tag,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ToConfig converts to a tag definition.
func (r TagHTTPRequest) ToConfig() config.TagConfig {
	return config.TagConfig{
		ID: r.ID, Name: r.Name, Topic: r.Topic, Unit: r.Unit,
		Description: r.Description, ValueType: r.ValueType,
		ProcessIDs: r.ProcessIDs, EquipmentIDs: r.EquipmentIDs, SubEquipmentIDs: r.SubEquipmentIDs,
		AliveTag: r.AliveTag, ControlTag: r.ControlTag, Metadata: r.Metadata,
	}
}

// RuleHTTPRequest is the JSON form of a rule definition.
type RuleHTTPRequest struct {
	ID               int64  `json:"id"`
	Name             string `json:"name,omitempty"`
	Description      string `json:"description,omitempty"`
	ValueDescription string `json:"value_description,omitempty"`
	Expression       string `json:"expression"`
	ResultType       string `json:"result_type,omitempty"`
}

// ToConfig converts to a rule definition.
func (r RuleHTTPRequest) ToConfig() config.RuleConfig {
	return config.RuleConfig{
		ID: r.ID, Name: r.Name, Description: r.Description,
		ValueDescription: r.ValueDescription, Expression: r.Expression, ResultType: r.ResultType,
	}
}

// QualityHTTPRequest names an invalidity reason, e.g. {"reason": "VALUE_EXPIRED"}.
type QualityHTTPRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// Status parses the reason.
func (r QualityHTTPRequest) Status() (quality.Status, error) {
	s, err := quality.ParseStatus(r.Reason)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s, nil
}

// EngineHTTPStatus maps engine sentinel errors to HTTP status codes.
func EngineHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
