package protocol

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/framecap/frame"
)

func GetSockAddress() string {
	return "/var/run/framecap.sock"
}

func GetLockFile() string {
	return "/var/run/framecap.pid"
}

type Action string

const (
	ActionOpen      Action = "OPEN"
	ActionClose     Action = "CLOSE"
	ActionStart     Action = "START"
	ActionStop      Action = "STOP"
	ActionBuffers   Action = "BUFFERS"
	ActionState     Action = "STATE"
	ActionStats     Action = "STATS"
	ActionWrite     Action = "WRITE"
	ActionArchive   Action = "ARCHIVE"
	ActionClients   Action = "CLIENTS"
	ActionSubscribe Action = "SUBSCRIBE"
	ActionNop       Action = "NOP"
)

type Req struct {
	Action Action            `json:"action"`
	Params map[string]string `json:"params"`
}

// Int reads an integer parameter, returning def when it is absent.
func (req *Req) Int(name string, def int) (int, error) {
	v, ok := req.Params[name]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("parameter %s: %q is not a number", name, v)
	}
	return n, nil
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

type Res struct {
	Status Status            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Extras map[string]string `json:"extras,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

// Err turns an error response back into an error.
func (res *Res) Err() error {
	if res.Status == StatusSuccess {
		return nil
	}
	if res.Error == "" {
		return errors.New("request failed")
	}
	return errors.New(res.Error)
}

// Decode unmarshals the structured payload into v.
func (res *Res) Decode(v interface{}) error {
	if len(res.Data) == 0 {
		return errors.New("response carries no data")
	}
	return json.Unmarshal(res.Data, v)
}

type EventType string

const (
	EventFrame    EventType = "frame"
	EventWritten  EventType = "written"
	EventError    EventType = "error"
	EventAdvisory EventType = "advisory"
	EventState    EventType = "state"
)

// Written reports one archived frame.
type Written struct {
	N      int    `json:"n"`
	Total  int    `json:"total"`
	FileID string `json:"file_id"`
}

// Event is pushed to subscribed connections.
type Event struct {
	Type    EventType   `json:"type"`
	Time    time.Time   `json:"time"`
	Frame   *frame.Info `json:"frame,omitempty"`
	Written *Written    `json:"written,omitempty"`
	Error   string      `json:"error,omitempty"`
	State   string      `json:"state,omitempty"`
}

// Reader decodes consecutive messages from one connection.
type Reader struct {
	dec *json.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(r)}
}

func (r *Reader) ReadReq() (*Req, error) {
	var req Req
	err := r.dec.Decode(&req)
	return &req, err
}

func (r *Reader) ReadRes() (*Res, error) {
	var res Res
	err := r.dec.Decode(&res)
	return &res, err
}

func (r *Reader) ReadEvent() (*Event, error) {
	var ev Event
	err := r.dec.Decode(&ev)
	return &ev, err
}

func WriteReq(w io.Writer, action Action, params map[string]string) error {
	req := Req{
		Action: action,
		Params: params,
	}
	return json.NewEncoder(w).Encode(&req)
}

func WriteSuccessRes(w io.Writer, extras map[string]string) error {
	res := Res{
		Status: StatusSuccess,
		Extras: extras,
	}
	return json.NewEncoder(w).Encode(&res)
}

// WriteDataRes is a success response with a structured payload.
func WriteDataRes(w io.Writer, extras map[string]string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	res := Res{
		Status: StatusSuccess,
		Extras: extras,
		Data:   raw,
	}
	return json.NewEncoder(w).Encode(&res)
}

func WriteErrorRes(w io.Writer, err error) error {
	res := Res{
		Status: StatusError,
		Error:  err.Error(),
	}
	return json.NewEncoder(w).Encode(&res)
}

func WriteEvent(w io.Writer, ev *Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return json.NewEncoder(w).Encode(ev)
}
