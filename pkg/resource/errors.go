// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package resource

import "errors"

// ErrUnknownToken is returned by Allocate when the token is unknown or its
// lease has expired
var ErrUnknownToken = errors.New("resource: unknown or expired token")
