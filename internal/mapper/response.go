package mapper

import (
	"encoding/json"
	"strings"

	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cma"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"github.com/tidwall/gjson"
)

const unknownErrorMessage = "Unknown error"

// ExceptionInfo is the workflow exception that caused an ingest to fail.
type ExceptionInfo struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// ParseException reads a workflow exception value. It returns nil when raw is absent, null,
// empty, or the literal string "None", all of which mean the workflow succeeded.
func ParseException(raw json.RawMessage) *ExceptionInfo {
	result := gjson.ParseBytes(raw)
	switch {
	case !result.Exists(), result.Type == gjson.Null:
		return nil
	case result.Type == gjson.String:
		if s := result.String(); s == "" || s == "None" {
			return nil
		}
		return &ExceptionInfo{Cause: result.String()}
	case result.IsObject():
		if len(result.Map()) == 0 {
			return nil
		}
		cause := result.Get("Cause")
		exc := &ExceptionInfo{Error: result.Get("Error").String()}
		if cause.Type == gjson.String {
			exc.Cause = cause.String()
		} else if cause.Exists() && cause.Type != gjson.Null {
			exc.Cause = cause.Raw
		}
		return exc
	}
	return &ExceptionInfo{Cause: result.Raw}
}

var errorCodesByException = map[string]cnm.ErrorCode{
	"FileNotFound":        cnm.ErrorCodeTransfer,
	"RemoteResourceError": cnm.ErrorCodeTransfer,
	"ConnectionTimeout":   cnm.ErrorCodeTransfer,
	"InvalidChecksum":     cnm.ErrorCodeValidation,
	"UnexpectedFileSize":  cnm.ErrorCodeValidation,
}

// ErrorCode classifies the exception by its Error name.
func (e *ExceptionInfo) ErrorCode() cnm.ErrorCode {
	if code, ok := errorCodesByException[e.Error]; ok {
		return code
	}
	return cnm.ErrorCodeProcessing
}

// Message returns the cause, unwrapped one level when the cause is itself a serialized
// error object carrying an errorMessage.
func (e *ExceptionInfo) Message() string {
	if e.Cause == "" {
		return unknownErrorMessage
	}
	if gjson.Valid(e.Cause) {
		if msg := gjson.Get(e.Cause, "errorMessage"); msg.Exists() && gjson.Parse(e.Cause).IsObject() {
			return msg.String()
		}
	}
	return e.Cause
}

// URIStrategy decides how archived granule files are addressed in a response.
// The zero value produces s3:// URIs.
type URIStrategy struct {
	DistributionEndpoint string
}

func S3URIs() URIStrategy {
	return URIStrategy{}
}

func HTTPURIs(endpoint string) URIStrategy {
	return URIStrategy{DistributionEndpoint: endpoint}
}

func (s URIStrategy) URI(bucket, key string) string {
	key = strings.TrimLeft(key, "/")
	if s.DistributionEndpoint == "" {
		return "s3://" + bucket + "/" + key
	}
	return strings.TrimRight(s.DistributionEndpoint, "/") + "/" + bucket + "/" + key
}

func (s URIStrategy) fileURI(f cma.File) string {
	if f.Bucket != "" && f.Key != "" {
		return s.URI(f.Bucket, f.Key)
	}
	if f.SourceBucket != nil && *f.SourceBucket != "" {
		key := f.DisplayName()
		if f.Path != "" {
			key = strings.Trim(f.Path, "/") + "/" + key
		}
		return s.URI(*f.SourceBucket, key)
	}
	return ""
}

// ToResponse builds the CNM response for msg. A nil exc produces a SUCCESS response that
// describes granule; otherwise a FAILURE response without any product is produced.
func (m *Mapper) ToResponse(msg *cnm.NotificationMessage, exc *ExceptionInfo, granule *cma.Granule, uris URIStrategy) (*cnm.Response, error) {
	resp := m.responseHeader(msg)

	if exc != nil {
		resp.Response = cnm.ResponseInfo{
			Status:       cnm.StatusFailure,
			ErrorCode:    exc.ErrorCode(),
			ErrorMessage: exc.Message(),
		}
		return resp, nil
	}

	if granule == nil {
		return nil, ErrMissingGranule
	}
	name := granule.ProducerGranuleID
	if name == "" {
		name = granule.GranuleID
	}
	product := &cnm.ResponseProduct{
		Name:        name,
		DataVersion: msg.Product.DataVersion,
		Files:       make([]cnm.ResponseFile, 0, len(granule.Files)),
	}
	for _, f := range granule.Files {
		rf := cnm.ResponseFile{
			Type:         cnm.FileType(f.Type),
			Name:         f.DisplayName(),
			URI:          uris.fileURI(f),
			ChecksumType: f.ChecksumType,
			Checksum:     f.Checksum,
		}
		if f.Size != nil {
			size := *f.Size
			rf.Size = &size
		}
		product.Files = append(product.Files, rf)
	}
	resp.Product = product
	resp.Response = cnm.ResponseInfo{Status: cnm.StatusSuccess}
	if granule.CMRConceptID != "" || granule.CMRLink != "" {
		resp.IngestionMetadata = &cnm.IngestionMetadata{
			CatalogID:  granule.CMRConceptID,
			CatalogURL: granule.CMRLink,
		}
	}
	return resp, nil
}

// FailureResponse builds the PROCESSING_ERROR response sent when producing the real
// response failed with err.
func (m *Mapper) FailureResponse(msg *cnm.NotificationMessage, err error) *cnm.Response {
	cause := ""
	if err != nil {
		cause = err.Error()
	}
	resp := m.responseHeader(msg)
	resp.Response = cnm.ResponseInfo{
		Status:       cnm.StatusFailure,
		ErrorCode:    cnm.ErrorCodeProcessing,
		ErrorMessage: (&ExceptionInfo{Cause: cause}).Message(),
	}
	return resp
}

func (m *Mapper) responseHeader(msg *cnm.NotificationMessage) *cnm.Response {
	resp := &cnm.Response{
		Version:             msg.Version,
		Provider:            msg.Provider,
		Collection:          msg.Collection,
		SubmissionTime:      msg.SubmissionTime,
		ProcessCompleteTime: cnm.NewTimestamp(m.clock(), cnm.LayoutCNM),
		Identifier:          msg.Identifier,
	}
	if msg.ReceivedTime != nil {
		received := *msg.ReceivedTime
		resp.ReceivedTime = &received
	}
	if resp.Identifier == "" {
		resp.Identifier = m.newIdentifier()
	}
	return resp
}

// Attributes returns the message attributes that accompany resp to every destination.
func Attributes(msg *cnm.NotificationMessage, resp *cnm.Response) cnm.MessageAttributes {
	dataVersion := resp.DataVersion()
	if dataVersion == "" {
		dataVersion = cnm.UnknownDataVersion
	}
	attrs := cnm.MessageAttributes{
		cnm.AttributeCollection:     cnm.StringAttribute(resp.Collection.ShortName()),
		cnm.AttributeResponseStatus: cnm.StringAttribute(string(resp.Response.Status)),
		cnm.AttributeDataVersion:    cnm.StringAttribute(dataVersion),
	}
	if msg != nil && msg.Product.DataProcessingType != "" {
		attrs[cnm.AttributeDataProcessingType] = cnm.StringAttribute(msg.Product.DataProcessingType)
	}
	if msg != nil && msg.Trace != "" {
		attrs[cnm.AttributeTrace] = cnm.StringAttribute(msg.Trace)
	}
	return attrs
}
