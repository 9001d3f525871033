package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/desertthunder/marks/internal/shared"
)

const restPath = "/rest/v1/"

// RESTService implements [TableService] against PostgREST.
type RESTService struct {
	api    *APIService
	schema string
}

// NewRESTService creates a table client for schema. api should carry the session's token source.
func NewRESTService(api *APIService, schema string) *RESTService {
	if schema == "" {
		schema = "public"
	}
	return &RESTService{api: api, schema: schema}
}

func (s *RESTService) headers(method string) http.Header {
	h := http.Header{}
	if s.schema != "public" {
		if method == http.MethodGet {
			h.Set("Accept-Profile", s.schema)
		} else {
			h.Set("Content-Profile", s.schema)
		}
	}
	if method != http.MethodGet {
		h.Set("Prefer", "return=minimal")
	}
	return h
}

// Select fetches rows matching q into dest.
func (s *RESTService) Select(ctx context.Context, table string, q Query, dest any) error {
	if err := q.Validate(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	resp, err := s.api.Do(ctx, http.MethodGet, restPath+url.PathEscape(table), q.Values(), nil, s.headers(http.MethodGet))
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return resp.Decode(dest)
}

// Insert creates one row.
func (s *RESTService) Insert(ctx context.Context, table string, row any) error {
	resp, err := s.api.Do(ctx, http.MethodPost, restPath+url.PathEscape(table), nil, row, s.headers(http.MethodPost))
	if err != nil {
		return err
	}
	return resp.Err()
}

// Delete removes rows matching every filter.
func (s *RESTService) Delete(ctx context.Context, table string, filters ...Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("%w: delete requires a filter", shared.ErrInvalidInput)
	}
	if err := validateFilters(filters); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	resp, err := s.api.Do(ctx, http.MethodDelete, restPath+url.PathEscape(table), filterValues(filters), nil, s.headers(http.MethodDelete))
	if err != nil {
		return err
	}
	return resp.Err()
}
