// Package cma models the granule documents exchanged with Cumulus workflow steps.
package cma

type File struct {
	Name         string   `json:"name"`
	FileName     string   `json:"fileName"`
	Type         string   `json:"type"`
	Path         string   `json:"path"`
	Source       string   `json:"source"`
	SourceBucket *string  `json:"sourceBucket"`
	Bucket       string   `json:"bucket,omitempty"`
	Key          string   `json:"key,omitempty"`
	Checksum     string   `json:"checksum,omitempty"`
	ChecksumType string   `json:"checksumType,omitempty"`
	Size         *float64 `json:"size,omitempty"`
}

// DisplayName returns FileName, falling back to Name.
func (f File) DisplayName() string {
	if f.FileName != "" {
		return f.FileName
	}
	return f.Name
}

type Granule struct {
	GranuleID         string `json:"granuleId"`
	ProducerGranuleID string `json:"producerGranuleId"`
	DataType          string `json:"dataType"`
	Version           string `json:"version"`
	Files             []File `json:"files"`
	CMRConceptID      string `json:"cmrConceptId,omitempty"`
	CMRLink           string `json:"cmrLink,omitempty"`
}

// OutputGranules is the payload shape handed to the next workflow step.
type OutputGranules struct {
	Granules []Granule `json:"granules"`
}
