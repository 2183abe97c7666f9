// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signatures

import (
	"encoding/base64"
	"strings"
)

// decodeUnpaddedBase64 decodes unpadded base64, tolerating padded input as
// some older clients upload signatures with padding.
func decodeUnpaddedBase64(input string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(input, "="))
}
