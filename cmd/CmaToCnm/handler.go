package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/mapper"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cma"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

type TaskEvent struct {
	Input  TaskInput  `json:"input"`
	Config TaskConfig `json:"config"`
}

type TaskInput struct {
	Granules []cma.Granule `json:"granules"`
}

type TaskConfig struct {
	Identifier string `json:"identifier,omitempty"`
	Collection struct {
		Name string `json:"name"`
	} `json:"collection"`
	Provider    mapper.ProviderConfig `json:"provider"`
	CumulusMeta struct {
		StateMachine  string `json:"state_machine"`
		ExecutionName string `json:"execution_name"`
	} `json:"cumulus_meta"`
}

type TaskOutput struct {
	CNMList []*cnm.NotificationMessage `json:"cnm_list"`
}

// handleEvent builds one CNM per input granule. Every granule is attempted; the returned
// error reports each granule that could not be announced.
func handleEvent(ctx context.Context, m *mapper.Mapper, event TaskEvent) (TaskOutput, error) {
	span, _ := tracer.StartSpanFromContext(ctx, "cma.to_notifications")
	logger := log.With(logger, "collection", event.Config.Collection.Name,
		"provider", event.Config.Provider.ID, "execution_name", event.Config.CumulusMeta.ExecutionName)
	sendMetric("invocation_batch_size", float64(len(event.Input.Granules)))

	cfg := mapper.NotificationConfig{
		Identifier:    event.Config.Identifier,
		Collection:    event.Config.Collection.Name,
		Provider:      event.Config.Provider,
		StateMachine:  event.Config.CumulusMeta.StateMachine,
		ExecutionName: event.Config.CumulusMeta.ExecutionName,
	}

	var errs *multierror.Error
	out := TaskOutput{CNMList: make([]*cnm.NotificationMessage, 0, len(event.Input.Granules))}
	for _, granule := range event.Input.Granules {
		msg, err := m.ToNotification(granule, cfg)
		if err != nil {
			log.Error(logger, "Failed to build CNM for granule", err, "granule_id", granule.GranuleID)
			sendMetric("notification.failed", 1)
			errs = multierror.Append(errs, err)
			continue
		}
		log.Debug(logger, "Built CNM for granule", "granule_id", granule.GranuleID,
			"cnm_identifier", msg.Identifier, "files_count", len(msg.Product.Files))
		out.CNMList = append(out.CNMList, msg)
	}

	err := errs.ErrorOrNil()
	span.Finish(tracer.WithError(err))
	if err != nil {
		return TaskOutput{}, fmt.Errorf("error building notifications: %w", err)
	}
	sendMetric("notification.built", float64(len(out.CNMList)))
	log.Info(logger, "Built CNMs for granules", "count", len(out.CNMList))
	return out, nil
}
