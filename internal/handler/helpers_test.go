package handler_test

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/unclebandit/mailleopard-backend/internal/service"
)

type failingIngester struct{}

func (failingIngester) Ingest(context.Context, []json.RawMessage) (service.IngestResult, error) {
	return service.IngestResult{}, errors.New("database is locked")
}
