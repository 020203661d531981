// Package protocol defines the JSON messages exchanged between a relay and
// its websocket clients.
package protocol

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-pinboard/internal/store"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage carries exactly one operation. Id correlates the relay's
// Response with the request.
type ClientMessage struct {
	BaseMessage
	Get                *Get          `json:"get,omitempty"`
	Set                *Set          `json:"set,omitempty"`
	Update             *Update       `json:"update,omitempty"`
	Remove             *Remove       `json:"remove,omitempty"`
	Subscribe          *Subscribe    `json:"subscribe,omitempty"`
	Unsubscribe        *Unsubscribe  `json:"unsubscribe,omitempty"`
	OnDisconnect       *OnDisconnect `json:"on_disconnect,omitempty"`
	CancelOnDisconnect *OnDisconnect `json:"cancel_on_disconnect,omitempty"`
}

type Get struct {
	Path string `json:"path"`
}

type Set struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type Update struct {
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

type Remove struct {
	Path string `json:"path"`
}

// Subscribe asks for change events on Path. The client picks SubId so it can
// route events that arrive before the response.
type Subscribe struct {
	SubId int    `json:"sub_id"`
	Path  string `json:"path"`
}

type Unsubscribe struct {
	SubId int `json:"sub_id"`
}

type OnDisconnect struct {
	Path string `json:"path"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Event is the value at a subscribed path after a write touched it.
type Event struct {
	SubId  int    `json:"sub_id"`
	Path   string `json:"path"`
	Value  any    `json:"value"`
	Exists bool   `json:"exists"`
}

func (e *Event) Snapshot() store.Snapshot {
	return store.Snapshot{Path: e.Path, Value: e.Value, Exists: e.Exists}
}

func NewEvent(subId int, snap store.Snapshot) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: &Event{
			SubId:  subId,
			Path:   snap.Path,
			Value:  snap.Value,
			Exists: snap.Exists,
		},
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrBadRequest(id int, err error) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        err.Error(),
		},
	}
}

func ErrNotFound(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "subscription not found",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
