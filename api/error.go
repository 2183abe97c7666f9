// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Common error codes from https://spec.matrix.org/v1.9/client-server-api/#standard-error-response
//
// Can be used with errors.Is to check for specific errors.
var (
	MForbidden     = RespError{ErrCode: "M_FORBIDDEN"}
	MUnknownToken  = RespError{ErrCode: "M_UNKNOWN_TOKEN"}
	MMissingToken  = RespError{ErrCode: "M_MISSING_TOKEN"}
	MBadJSON       = RespError{ErrCode: "M_BAD_JSON"}
	MNotJSON       = RespError{ErrCode: "M_NOT_JSON"}
	MNotFound      = RespError{ErrCode: "M_NOT_FOUND"}
	MLimitExceeded = RespError{ErrCode: "M_LIMIT_EXCEEDED"}
	MUnknown       = RespError{ErrCode: "M_UNKNOWN"}

	// MWrongRoomKeysVersion is returned by the key backup endpoints when
	// the version in the request has been superseded by a newer one.
	MWrongRoomKeysVersion = RespError{ErrCode: "M_WRONG_ROOM_KEYS_VERSION"}
)

// HTTPError An HTTP Error response, which may wrap an underlying native Go Error.
type HTTPError struct {
	Request  *http.Request
	Response *http.Response

	WrappedError error
	RespError    *RespError
	Message      string
	ResponseBody string
}

func (e HTTPError) Is(err error) bool {
	if e.RespError != nil && errors.Is(e.RespError, err) {
		return true
	}
	return errors.Is(e.WrappedError, err)
}

func (e HTTPError) IsStatus(code int) bool {
	return e.Response != nil && e.Response.StatusCode == code
}

func (e HTTPError) Error() string {
	if e.WrappedError != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.WrappedError)
	} else if e.RespError != nil {
		return fmt.Sprintf("failed to %s %s: %s (HTTP %d): %s", e.Request.Method, e.Request.URL.Path, e.RespError.ErrCode, e.Response.StatusCode, e.RespError.Err)
	} else {
		msg := fmt.Sprintf("failed to %s %s: HTTP %d", e.Request.Method, e.Request.URL.Path, e.Response.StatusCode)
		if e.ResponseBody != "" {
			msg = fmt.Sprintf("%s: %s", msg, e.ResponseBody)
		}
		return msg
	}
}

func (e HTTPError) Unwrap() error {
	if e.WrappedError != nil {
		return e.WrappedError
	} else if e.RespError != nil {
		return *e.RespError
	}
	return nil
}

// RespError is the standard JSON error response from homeservers. It also
// implements the Golang "error" interface.
// See https://spec.matrix.org/v1.9/client-server-api/#api-standards
type RespError struct {
	ErrCode    string
	Err        string
	ExtraData  map[string]any
	StatusCode int
}

func (e *RespError) UnmarshalJSON(data []byte) error {
	err := json.Unmarshal(data, &e.ExtraData)
	if err != nil {
		return err
	}
	e.ErrCode, _ = e.ExtraData["errcode"].(string)
	e.Err, _ = e.ExtraData["error"].(string)
	return nil
}

func (e *RespError) MarshalJSON() ([]byte, error) {
	if e.ExtraData == nil {
		e.ExtraData = map[string]any{}
	}
	e.ExtraData["errcode"] = e.ErrCode
	e.ExtraData["error"] = e.Err
	return json.Marshal(e.ExtraData)
}

// Error returns the errcode and error message.
func (e RespError) Error() string {
	return e.ErrCode + ": " + e.Err
}

// Is returns true if the given error is a RespError with the same errcode.
func (e RespError) Is(err error) bool {
	var respError RespError
	if !errors.As(err, &respError) {
		return false
	}
	return respError.ErrCode == e.ErrCode
}
