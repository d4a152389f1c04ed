package frame

import "encoding/json"

// ACK result codes carried in Ack.Code.
const (
	CodeSuccess = 0
	CodeFailure = 1
)

// Ack is the JSON body of every ACK frame on both the Controller and WCS links.
type Ack struct {
	DeviceNo string `json:"deviceNo"`
	Code     int    `json:"code"`
}

// OK reports whether the ACK indicates success.
func (a Ack) OK() bool { return a.Code == CodeSuccess }

// Heartbeat is the JSON body of a heartbeat request and of its ACK. In the ACK the
// DeviceStatus field carries the responder's current device status.
type Heartbeat struct {
	DeviceNo     string `json:"deviceNo"`
	DeviceStatus int    `json:"deviceStatus"`
}

// Device status values reported in Heartbeat.DeviceStatus.
const (
	DeviceStatusNormal   = 0
	DeviceStatusAbnormal = 1
)

// UploadRequest is the JSON body of a package upload negotiation request.
type UploadRequest struct {
	Weight   float64 `json:"weight"`
	Length   float64 `json:"length"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Barcode  string  `json:"barcode"`
	Barcode2 string  `json:"barcode2,omitempty"`
	ScanTime uint64  `json:"scanTime"` // milliseconds since epoch
}

// UploadAck is the JSON body of the Controller's reply to an UploadRequest.
// Accepted tells whether the Controller will load the package; Sequence echoes the
// request sequence used later to correlate the asynchronous UploadResult.
type UploadAck struct {
	DeviceNo string `json:"deviceNo"`
	Code     int    `json:"code"`
	Sequence uint32 `json:"sequence"`
}

// Accepted reports whether the Controller accepted the upload request.
func (a UploadAck) Accepted() bool { return a.Code == CodeSuccess }

// UploadResult is the JSON body of the result notification pushed by the Controller
// once an accepted package has been loaded (or has timed out on the line). Sequence
// matches the sequence of the accepted UploadRequest.
type UploadResult struct {
	Sequence  uint32 `json:"sequence"`
	Success   bool   `json:"success"`
	PackageID int64  `json:"packageId"`
}

// WCSReport is the JSON body of a processed-package report sent to the
// warehouse-control system.
type WCSReport struct {
	DeviceNo  string  `json:"deviceNo"`
	PackageID int64   `json:"packageId"`
	Barcode   string  `json:"barcode"`
	Barcode2  string  `json:"barcode2,omitempty"`
	Weight    float64 `json:"weight"`
	Length    float64 `json:"length"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	ImagePath string  `json:"imagePath,omitempty"`
	ScanTime  uint64  `json:"scanTime"` // milliseconds since epoch
}

// DecodeBody unmarshals a JSON frame body into v.
func DecodeBody(m *Message, v any) error {
	return json.Unmarshal(m.Body, v)
}

// EncodeBody marshals a JSON frame body.
func EncodeBody(v any) ([]byte, error) {
	return json.Marshal(v)
}
