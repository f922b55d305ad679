package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/mapper"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cma"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

type TaskEvent struct {
	Input  json.RawMessage `json:"input"`
	Config TaskConfig      `json:"config"`
}

type TaskConfig struct {
	Collection mapper.CollectionConfig `json:"collection"`
}

type TaskOutput struct {
	CNM            *cnm.NotificationMessage `json:"cnm"`
	OutputGranules cma.OutputGranules       `json:"output_granules"`
}

func handleEvent(ctx context.Context, m *mapper.Mapper, event TaskEvent) (TaskOutput, error) {
	span, _ := tracer.StartSpanFromContext(ctx, "cnm.to_granule")
	out, err := mapNotification(m, event)
	span.Finish(tracer.WithError(err))
	return out, err
}

func mapNotification(m *mapper.Mapper, event TaskEvent) (TaskOutput, error) {
	logger := log.With(logger, "collection", event.Config.Collection.Name)

	msg, err := cnm.Parse(event.Input)
	if err != nil {
		var validationErr *cnm.SchemaValidationError
		if errors.As(err, &validationErr) {
			for _, v := range validationErr.Violations {
				log.Warn(logger, "CNM schema violation", "schema", validationErr.Schema,
					"field", v.Field, "description", v.Description)
			}
			sendMetric("cnm.invalid", 1, fmt.Sprintf("schema:%s", validationErr.Schema))
		}
		return TaskOutput{}, log.Errorf(logger, "error validating CNM", err)
	}
	logger = log.With(logger, "cnm_identifier", msg.Identifier, "schema", msg.Schema)
	m.StampReceived(msg)

	granule, err := m.ToGranule(msg, event.Config.Collection)
	if err != nil {
		sendMetric("granule.failed", 1)
		return TaskOutput{}, log.Errorf(logger, "error mapping CNM to granule", err)
	}

	sendMetric("granule.mapped", 1, fmt.Sprintf("schema:%s", msg.Schema))
	sendMetric("granule.files", float64(len(granule.Files)))
	log.Info(logger, "Mapped CNM to granule", "granule_id", granule.GranuleID,
		"files_count", len(granule.Files))
	return TaskOutput{
		CNM:            msg,
		OutputGranules: cma.OutputGranules{Granules: []cma.Granule{granule}},
	}, nil
}
