package mapper

import (
	"fmt"
	"strings"

	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cma"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
)

// ProviderConfig locates the provider that files without an s3 location are fetched from.
type ProviderConfig struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
}

// NotificationConfig describes where granules turned into notifications came from.
type NotificationConfig struct {
	// Identifier, when set, is used for every notification instead of a new identifier.
	Identifier    string
	Collection    string
	Provider      ProviderConfig
	StateMachine  string
	ExecutionName string
}

// ToNotification builds a 1.6.0 CNM announcing granule.
func (m *Mapper) ToNotification(granule cma.Granule, cfg NotificationConfig) (*cnm.NotificationMessage, error) {
	files := make([]cnm.File, 0, len(granule.Files))
	for _, f := range granule.Files {
		uri := notificationFileURI(f, cfg.Provider)
		if _, err := cnm.ParseURI(uri); err != nil {
			return nil, fmt.Errorf("error mapping file %s of granule %s: %w", f.DisplayName(), granule.GranuleID, err)
		}
		file := cnm.File{
			Name:         f.DisplayName(),
			Type:         cnm.FileType(f.Type),
			URI:          uri,
			Checksum:     f.Checksum,
			ChecksumType: f.ChecksumType,
		}
		if f.Size != nil {
			size := *f.Size
			file.Size = &size
		}
		files = append(files, file)
	}

	identifier := cfg.Identifier
	if identifier == "" {
		identifier = m.newIdentifier()
	}
	return &cnm.NotificationMessage{
		Version:        string(cnm.SchemaVersion160),
		Provider:       cfg.Provider.ID,
		Collection:     cnm.NewCollectionName(cfg.Collection),
		Identifier:     identifier,
		SubmissionTime: cnm.NewTimestamp(m.clock(), cnm.LayoutISO8601),
		Trace:          fmt.Sprintf("source: %s | execution_name: %s", cfg.StateMachine, cfg.ExecutionName),
		Product: cnm.Product{
			Name:              granule.GranuleID,
			DataVersion:       granule.Version,
			ProducerGranuleID: granule.ProducerGranuleID,
			Files:             files,
		},
		Schema: cnm.SchemaVersion160,
	}, nil
}

func notificationFileURI(f cma.File, provider ProviderConfig) string {
	if f.Bucket != "" && f.Key != "" {
		return "s3://" + f.Bucket + "/" + strings.TrimLeft(f.Key, "/")
	}
	parts := []string{provider.Host}
	if path := strings.Trim(f.Path, "/"); path != "" {
		parts = append(parts, path)
	}
	parts = append(parts, f.DisplayName())
	return strings.ToLower(provider.Protocol) + "://" + strings.Join(parts, "/")
}
