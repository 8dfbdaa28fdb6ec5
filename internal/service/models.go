package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/buger/jsonparser"

	"ollama-relay/internal/client"
	"ollama-relay/internal/metrics"
	"ollama-relay/internal/model"
)

// maxTagsBody caps the model list body read from upstream.
const maxTagsBody = 8 << 20

// ignoredModelKeys are top-level keys of a keyed model object that never
// name a model.
var ignoredModelKeys = map[string]bool{
	"error":  true,
	"status": true,
}

var errUnexpectedShape = errors.New("unexpected model list shape")

// ModelService lists the models available upstream.
type ModelService struct {
	client  *client.OllamaClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewModelService creates a ModelService. The metrics parameter may be nil.
func NewModelService(c *client.OllamaClient, logger *slog.Logger, m *metrics.Metrics) *ModelService {
	return &ModelService{
		client:  c,
		logger:  logger.With("component", "model_service"),
		metrics: m,
	}
}

// List returns the upstream model list. It never fails: any upstream or
// decoding problem is logged and yields an empty, non-nil list.
func (s *ModelService) List(ctx context.Context) []model.ModelDescriptor {
	models, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("model list unavailable", "err", err)
		if s.metrics != nil {
			s.metrics.ModelListFailure.Inc()
		}
		return []model.ModelDescriptor{}
	}
	return models
}

func (s *ModelService) fetch(ctx context.Context) ([]model.ModelDescriptor, error) {
	resp, err := s.client.Call(ctx, http.MethodGet, client.PathTags, nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	if err := client.CheckStatus(resp); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTagsBody))
	if err != nil {
		return nil, fmt.Errorf("read model list: %w", err)
	}
	return normalizeModels(data)
}

// normalizeModels accepts the shapes Ollama versions have answered with:
//
//	{"models": [{...}, ...]}
//	[{...}, ...]
//	{"name1": {...}, "name2": {...}}
//
// Keyed entries are returned in document order.
func normalizeModels(data []byte) ([]model.ModelDescriptor, error) {
	body, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, fmt.Errorf("parse model list: %w", err)
	}

	switch typ {
	case jsonparser.Array:
		return modelArray(body)
	case jsonparser.Object:
		list, listType, _, err := jsonparser.Get(body, "models")
		switch {
		case err == nil && listType == jsonparser.Array:
			return modelArray(list)
		case err == nil:
			return nil, fmt.Errorf("%w: models is %s", errUnexpectedShape, listType)
		case errors.Is(err, jsonparser.KeyPathNotFoundError):
			return keyedModels(body)
		default:
			return nil, fmt.Errorf("parse model list: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: top-level %s", errUnexpectedShape, typ)
	}
}

func modelArray(list []byte) ([]model.ModelDescriptor, error) {
	out := []model.ModelDescriptor{}
	var decodeErr error
	_, err := jsonparser.ArrayEach(list, func(value []byte, typ jsonparser.ValueType, _ int, _ error) {
		if decodeErr != nil || typ != jsonparser.Object {
			return
		}
		var d model.ModelDescriptor
		if err := json.Unmarshal(value, &d); err != nil {
			decodeErr = err
			return
		}
		out = append(out, d)
	})
	if err != nil {
		return nil, fmt.Errorf("parse model array: %w", err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode model entry: %w", decodeErr)
	}
	return out, nil
}

func keyedModels(obj []byte) ([]model.ModelDescriptor, error) {
	out := []model.ModelDescriptor{}
	err := jsonparser.ObjectEach(obj, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		name, err := jsonparser.ParseString(key)
		if err != nil {
			return err
		}
		if ignoredModelKeys[name] {
			return nil
		}

		d := model.ModelDescriptor{Name: name}
		if typ == jsonparser.Object {
			if err := json.Unmarshal(value, &d); err != nil {
				return fmt.Errorf("model %q: %w", name, err)
			}
			// Fields of the entry win over the key, including its own name.
			if _, _, _, err := jsonparser.Get(value, "name"); err != nil {
				d.Name = name
			}
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse keyed model list: %w", err)
	}
	return out, nil
}
