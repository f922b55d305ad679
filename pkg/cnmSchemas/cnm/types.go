package cnm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Schema variants

type SchemaVersion string

const (
	SchemaVersion160 SchemaVersion = "1.6.0"
	SchemaVersion161 SchemaVersion = "1.6.1"
)

// Collection model

type CollectionKind int

const (
	// CollectionKindName is the bare-string collection of schema 1.6.0 and earlier.
	CollectionKindName CollectionKind = iota
	// CollectionKindRef is the {name, version} collection object of schema 1.6.1.
	CollectionKindRef
)

var ErrInvalidCollection = errors.New("collection must be a string or an object with a name")

// Collection retains whichever representation the notification used.
// ShortName is the canonical form used for outbound message attributes.
type Collection struct {
	Kind    CollectionKind
	Name    string
	Version string
}

func NewCollectionName(name string) Collection {
	return Collection{Kind: CollectionKindName, Name: name}
}

func NewCollectionRef(name, version string) Collection {
	return Collection{Kind: CollectionKindRef, Name: name, Version: version}
}

func (c Collection) ShortName() string {
	return c.Name
}

func (c Collection) MarshalJSON() ([]byte, error) {
	if c.Kind == CollectionKindRef {
		return json.Marshal(struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}{c.Name, c.Version})
	}
	return json.Marshal(c.Name)
}

func (c *Collection) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*c = NewCollectionName(name)
		return nil
	}
	var ref struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &ref); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCollection, err)
	}
	if ref.Name == "" {
		return ErrInvalidCollection
	}
	*c = NewCollectionRef(ref.Name, ref.Version)
	return nil
}

// File model

type FileType string

const (
	FileTypeData     FileType = "data"
	FileTypeMetadata FileType = "metadata"
	FileTypeBrowse   FileType = "browse"
)

type File struct {
	Name         string   `json:"name"`
	Type         FileType `json:"type"`
	URI          string   `json:"uri"`
	Size         *float64 `json:"size,omitempty"`
	Checksum     string   `json:"checksum,omitempty"`
	ChecksumType string   `json:"checksumType,omitempty"`
}

type FileGroup struct {
	ID    string `json:"id,omitempty"`
	Files []File `json:"files"`
}

// Product model

type Product struct {
	Name               string      `json:"name"`
	DataVersion        string      `json:"dataVersion,omitempty"`
	ProducerGranuleID  string      `json:"producerGranuleId"`
	DataProcessingType string      `json:"dataProcessingType,omitempty"`
	Files              []File      `json:"files,omitempty"`
	Filegroups         []FileGroup `json:"filegroups,omitempty"`
}

// InputFiles returns the product's files, or when no files list is present, the files of
// every filegroup concatenated in order.
func (p Product) InputFiles() []File {
	if p.Files != nil {
		return p.Files
	}
	files := make([]File, 0)
	for _, fg := range p.Filegroups {
		files = append(files, fg.Files...)
	}
	return files
}

// Response status model

type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "SUCCESS"
	StatusFailure ResponseStatus = "FAILURE"
)

type ErrorCode string

const (
	ErrorCodeTransfer   ErrorCode = "TRANSFER_ERROR"
	ErrorCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrorCodeProcessing ErrorCode = "PROCESSING_ERROR"
)

type ResponseInfo struct {
	Status       ResponseStatus `json:"status"`
	ErrorCode    ErrorCode      `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// NotificationMessage model

type NotificationMessage struct {
	Version             string        `json:"version"`
	Provider            string        `json:"provider"`
	Collection          Collection    `json:"collection"`
	Identifier          string        `json:"identifier"`
	SubmissionTime      Timestamp     `json:"submissionTime"`
	ReceivedTime        *Timestamp    `json:"receivedTime,omitempty"`
	ProcessCompleteTime *Timestamp    `json:"processCompleteTime,omitempty"`
	Product             Product       `json:"product"`
	Response            *ResponseInfo `json:"response,omitempty"`
	Trace               string        `json:"trace,omitempty"`

	// Schema is the variant the message was validated against; it is not serialized.
	Schema SchemaVersion `json:"-"`
}

// Response document (CNM-R) model

type ResponseFile struct {
	Type         FileType `json:"type"`
	Name         string   `json:"name"`
	URI          string   `json:"uri,omitempty"`
	ChecksumType string   `json:"checksumType,omitempty"`
	Checksum     string   `json:"checksum,omitempty"`
	Size         *float64 `json:"size,omitempty"`
}

type ResponseProduct struct {
	Name        string         `json:"name"`
	DataVersion string         `json:"dataVersion,omitempty"`
	Files       []ResponseFile `json:"files"`
}

type IngestionMetadata struct {
	CatalogID  string `json:"catalogId,omitempty"`
	CatalogURL string `json:"catalogUrl,omitempty"`
}

type Response struct {
	Version             string             `json:"version"`
	Provider            string             `json:"provider"`
	Collection          Collection         `json:"collection"`
	SubmissionTime      Timestamp          `json:"submissionTime"`
	ReceivedTime        *Timestamp         `json:"receivedTime,omitempty"`
	ProcessCompleteTime Timestamp          `json:"processCompleteTime"`
	Identifier          string             `json:"identifier"`
	Product             *ResponseProduct   `json:"product,omitempty"`
	Response            ResponseInfo       `json:"response"`
	IngestionMetadata   *IngestionMetadata `json:"ingestionMetadata,omitempty"`
}

// DataVersion returns the product's data version, or "" when the response carries no product.
func (r *Response) DataVersion() string {
	if r.Product == nil {
		return ""
	}
	return r.Product.DataVersion
}
