package cnm

import "strconv"

// Message attribute names attached to every outbound CNM response.
const (
	AttributeCollection         = "COLLECTION"
	AttributeResponseStatus     = "CNM_RESPONSE_STATUS"
	AttributeDataVersion        = "DATA_VERSION"
	AttributeDataProcessingType = "dataProcessingType"
	AttributeTrace              = "trace"

	UnknownDataVersion = "Unknown/Missing"
)

type AttributeDataType string

const (
	AttributeTypeString AttributeDataType = "String"
	AttributeTypeNumber AttributeDataType = "Number"
)

// MessageAttribute is a typed value sent alongside a response body by transports that
// support attributes.
type MessageAttribute struct {
	DataType AttributeDataType `json:"dataType"`
	Value    string            `json:"value"`
}

type MessageAttributes map[string]MessageAttribute

func StringAttribute(v string) MessageAttribute {
	return MessageAttribute{DataType: AttributeTypeString, Value: v}
}

func NumberAttribute(v float64) MessageAttribute {
	return MessageAttribute{DataType: AttributeTypeNumber, Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

// Strings flattens attributes into plain name/value pairs, e.g. for EventBridge detail.
func (a MessageAttributes) Strings() map[string]string {
	out := make(map[string]string, len(a))
	for k, v := range a {
		out[k] = v.Value
	}
	return out
}
