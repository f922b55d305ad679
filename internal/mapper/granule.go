package mapper

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cma"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
)

// CollectionConfig is the Cumulus collection a notification is ingested into.
type CollectionConfig struct {
	Name                string `json:"name" yaml:"name"`
	Version             string `json:"version" yaml:"version"`
	GranuleIDExtraction string `json:"granuleIdExtraction,omitempty" yaml:"granuleIdExtraction,omitempty"`
}

// ToGranule maps msg to a Cumulus granule of collection. Every file must carry a supported
// URI and a positive (or absent) size; the first file that does not fails the whole mapping.
func (m *Mapper) ToGranule(msg *cnm.NotificationMessage, collection CollectionConfig) (cma.Granule, error) {
	granuleID, err := m.extractGranuleID(msg.Product.Name, collection.GranuleIDExtraction)
	if err != nil {
		return cma.Granule{}, err
	}

	inputFiles := msg.Product.InputFiles()
	files := make([]cma.File, 0, len(inputFiles))
	for i, f := range inputFiles {
		file, err := toGranuleFile(f)
		if err != nil {
			return cma.Granule{}, fmt.Errorf("error mapping file %d (%s): %w", i, f.Name, err)
		}
		files = append(files, file)
	}

	return cma.Granule{
		GranuleID:         granuleID,
		ProducerGranuleID: msg.Product.ProducerGranuleID,
		DataType:          collection.Name,
		Version:           collection.Version,
		Files:             files,
	}, nil
}

func (m *Mapper) extractGranuleID(productName, pattern string) (string, error) {
	id := productName
	if i := strings.LastIndex(productName, "/"); i >= 0 {
		id = productName[i+1:]
	}
	if pattern == "" {
		return id, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidGranuleIDExtraction, err)
	}
	if re.NumSubexp() < 1 {
		return "", fmt.Errorf("%w: %q has no capture group", ErrInvalidGranuleIDExtraction, pattern)
	}

	match := re.FindStringSubmatch(id)
	if match == nil {
		if m.strict {
			return "", fmt.Errorf("%w: %q does not match %q", ErrGranuleIDExtraction, id, pattern)
		}
		log.Warn(m.logger, "granuleIdExtraction did not match product name; keeping raw granule id",
			"granule_id", id, "granule_id_extraction", pattern)
		return id, nil
	}
	return match[1], nil
}

func toGranuleFile(f cnm.File) (cma.File, error) {
	loc, err := cnm.ParseURI(f.URI)
	if err != nil {
		return cma.File{}, err
	}
	if f.Size != nil && *f.Size <= 0 {
		return cma.File{}, &IllegalSizeError{File: f.Name, Size: *f.Size}
	}

	file := cma.File{
		Name:         f.Name,
		FileName:     f.Name,
		Type:         string(f.Type),
		Path:         loc.Path,
		Source:       string(loc.Protocol),
		Checksum:     f.Checksum,
		ChecksumType: f.ChecksumType,
	}
	if f.Size != nil {
		size := *f.Size
		file.Size = &size
	}
	if loc.Protocol == cnm.ProtocolS3 {
		bucket := loc.Bucket()
		file.SourceBucket = &bucket
		file.Bucket = bucket
		file.Key = loc.Key
	}
	return file, nil
}

// StampReceived sets msg.receivedTime to the current time in ISO-8601 form.
func (m *Mapper) StampReceived(msg *cnm.NotificationMessage) {
	received := cnm.NewTimestamp(m.clock(), cnm.LayoutISO8601)
	msg.ReceivedTime = &received
}
