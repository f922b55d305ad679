package mapCNM

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/mapper"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cma"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"gopkg.in/yaml.v3"
)

type Cmd struct {
	// Positional arguments
	CNMFile string `arg:"" name:"cnm" type:"existingfile" predictor:"json" help:"CNM JSON document to map."`

	// Flags
	CollectionFile string `name:"collection" short:"c" required:"" type:"existingfile" predictor:"yaml" help:"YAML file describing the target collection (name, version, granuleIdExtraction)."`
	Strict         bool   `name:"strict-granule-id" help:"Fail when granuleIdExtraction does not match the product name."`
	Output         string `short:"o" type:"path" help:"Write the mapped granule to this file instead of stdout."`
}

func (cmd *Cmd) Help() string {
	return `
The CNM is validated against the schema for its version and then mapped exactly as the
CnmToCma task would map it. The result is printed as {"cnm": ..., "output_granules": ...}.`
}

type output struct {
	CNM            *cnm.NotificationMessage `json:"cnm"`
	OutputGranules cma.OutputGranules       `json:"output_granules"`
}

func (cmd *Cmd) Run(app *kong.Kong, logger *log.Logger) error {
	rawCNM, err := os.ReadFile(cmd.CNMFile)
	if err != nil {
		return err
	}
	rawCollection, err := os.ReadFile(cmd.CollectionFile)
	if err != nil {
		return err
	}

	out, err := mapDocuments(*logger, rawCNM, rawCollection, cmd.Strict)
	if err != nil {
		return log.Errorf(*logger, "error mapping CNM", err, "cnm_file", cmd.CNMFile)
	}

	var w io.Writer = app.Stdout
	if cmd.Output != "" {
		f, err := os.Create(cmd.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func mapDocuments(logger log.Logger, rawCNM, rawCollection []byte, strict bool) (output, error) {
	var collection mapper.CollectionConfig
	if err := yaml.Unmarshal(rawCollection, &collection); err != nil {
		return output{}, fmt.Errorf("error reading collection configuration: %w", err)
	}
	if collection.Name == "" {
		return output{}, errors.New("collection configuration has no name")
	}

	msg, err := cnm.Parse(rawCNM)
	if err != nil {
		var validationErr *cnm.SchemaValidationError
		if errors.As(err, &validationErr) {
			for _, v := range validationErr.Violations {
				log.Warn(logger, "CNM schema violation", "field", v.Field, "description", v.Description)
			}
		}
		return output{}, err
	}

	m := mapper.New(mapper.Config{StrictGranuleIDExtraction: strict, Logger: logger})
	m.StampReceived(msg)
	granule, err := m.ToGranule(msg, collection)
	if err != nil {
		return output{}, err
	}
	log.Debug(logger, "Mapped CNM", "cnm_identifier", msg.Identifier, "granule_id", granule.GranuleID)
	return output{CNM: msg, OutputGranules: cma.OutputGranules{Granules: []cma.Granule{granule}}}, nil
}
